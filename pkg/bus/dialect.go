package bus

import (
	"strings"

	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// Dialect describes how a broker spells topic separators and wildcards.
// Topics and patterns always use MQTT syntax at the Client boundary and are
// translated on the way in and out.
type Dialect struct {
	Name        string
	Separator   string
	SingleLevel string
	MultiLevel  string
	// Reserved characters may not appear inside a literal segment
	Reserved string
	// NoEmptySegments rejects topics such as "a//b" or "/a"
	NoEmptySegments bool
}

// DotDialect is the dotted subject syntax shared by NATS and AMQP topic
// exchanges, differing only in the multi-level wildcard.
func DotDialect(name, multiLevel string) Dialect {
	return Dialect{
		Name:        name,
		Separator:   ".",
		SingleLevel: "*",
		MultiLevel:  multiLevel,
		Reserved:    ".*>#",
	}
}

// Topic translates a concrete topic
func (d Dialect) Topic(t string) (string, error) {
	if err := topic.ValidateTopic(t); err != nil {
		return "", err
	}
	segments := topic.Split(t)
	for _, seg := range segments {
		if err := d.checkSegment(t, seg); err != nil {
			return "", err
		}
	}
	return strings.Join(segments, d.Separator), nil
}

// Pattern translates a subscription pattern
func (d Dialect) Pattern(p string) (string, error) {
	if err := topic.ValidatePattern(p); err != nil {
		return "", err
	}
	segments := topic.Split(p)
	for i, seg := range segments {
		switch seg {
		case topic.SingleLevel:
			segments[i] = d.SingleLevel
		case topic.MultiLevel:
			segments[i] = d.MultiLevel
		default:
			if err := d.checkSegment(p, seg); err != nil {
				return "", err
			}
		}
	}
	return strings.Join(segments, d.Separator), nil
}

// FromWire translates a subject received from the broker back to a topic
func (d Dialect) FromWire(subject string) string {
	return strings.ReplaceAll(subject, d.Separator, topic.Separator)
}

func (d Dialect) checkSegment(t, seg string) error {
	if seg == "" && d.NoEmptySegments {
		return types.NewError(types.ErrCodeInvalidArgument, d.Name+" does not allow empty topic segments: "+t)
	}
	if strings.ContainsAny(seg, d.Reserved) || strings.ContainsAny(seg, " \t\r\n") {
		return types.NewError(types.ErrCodeInvalidArgument, d.Name+" cannot carry topic segment "+seg+" in "+t)
	}
	return nil
}
