package send

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/scu"
)

// Peer identifies both ends of the association.
type Peer struct {
	CallingAE string `json:"calling_ae"`
	CalledAE  string `json:"called_ae"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

func (p Peer) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	return fmt.Sprintf("%s -> %s@%s", p.CallingAE, p.CalledAE, p.Address())
}

func (p Peer) withDefaults() Peer {
	def := scu.DefaultConfig()
	if strings.TrimSpace(p.CallingAE) == "" {
		p.CallingAE = def.CallingAE
	}
	if strings.TrimSpace(p.CalledAE) == "" {
		p.CalledAE = def.CalledAE
	}
	return p
}

func (p Peer) Validate() error {
	if strings.TrimSpace(p.Host) == "" || p.Port <= 0 || p.Port > 65535 {
		return ErrPeerRequired
	}
	if err := session.ValidateAETitle(p.CallingAE); err != nil {
		return fmt.Errorf("calling ae: %w", err)
	}
	if err := session.ValidateAETitle(p.CalledAE); err != nil {
		return fmt.Errorf("called ae: %w", err)
	}
	return nil
}
