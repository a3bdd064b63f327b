package dimse

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ValidationError reports a command set missing an element its command requires.
type ValidationError struct {
	CommandField uint16
	Element      uint16
	Reason       string
}

func (e ValidationError) Error() string {
	if e.Element == 0 {
		return fmt.Sprintf("dimse: %s: %s", CommandName(e.CommandField), e.Reason)
	}
	return fmt.Sprintf("dimse: %s element=(0000,%04x): %s", CommandName(e.CommandField), e.Element, e.Reason)
}

var requirements = map[uint16][]uint16{
	CStoreRQ: {
		TagAffectedSOPClassUID,
		TagMessageID,
		TagCommandDataSetType,
		TagAffectedSOPInstanceUID,
	},
	CStoreRSP: {
		TagMessageIDBeingRespondedTo,
		TagCommandDataSetType,
		TagStatus,
	},
	CEchoRQ: {
		TagMessageID,
		TagCommandDataSetType,
	},
	CEchoRSP: {
		TagMessageIDBeingRespondedTo,
		TagCommandDataSetType,
		TagStatus,
	},
}

// Validate enforces the elements required for a command field.
func Validate(c Command) error {
	if !c.Has(TagCommandField) {
		return ValidationError{Element: TagCommandField, Reason: "missing command field"}
	}
	reqs, ok := requirements[c.CommandField]
	if !ok {
		log.Debug().Uint16("command_field", c.CommandField).Msg("dimse.Validate unknown command")
		return ValidationError{CommandField: c.CommandField, Reason: ErrUnknownCommand.Error()}
	}
	for _, element := range reqs {
		if !c.Has(element) {
			log.Debug().
				Str("command", CommandName(c.CommandField)).
				Uint16("element", element).
				Msg("dimse.Validate missing element")
			return ValidationError{CommandField: c.CommandField, Element: element, Reason: "missing required element"}
		}
	}
	return nil
}
