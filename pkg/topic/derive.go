package topic

import (
	"strconv"
	"strings"

	"github.com/billm/m2mipc/pkg/types"
)

const (
	// DefaultRequestSegment marks a request/response topic on the request side
	DefaultRequestSegment = "rr"
	// DefaultReplySegment replaces DefaultRequestSegment in reply topics
	DefaultReplySegment = "rr_resp"
	// DefaultPublishSegment marks a plain publish/subscribe topic
	DefaultPublishSegment = "sp"
)

// Deriver builds request topics from a base topic and a correlation suffix,
// and rewrites them into reply topics. The rewrite is a pure string
// transform, so a server can take the reply topic verbatim from the request
// envelope and a client can predict it before sending.
//
//	base     sbrick/01/rr/get_adc
//	request  sbrick/01/rr/get_adc/54321
//	reply    sbrick/01/rr_resp/get_adc/54321
type Deriver struct {
	RequestSegment string
	ReplySegment   string
}

// DefaultDeriver returns a Deriver using the "rr" / "rr_resp" convention
func DefaultDeriver() Deriver {
	return Deriver{
		RequestSegment: DefaultRequestSegment,
		ReplySegment:   DefaultReplySegment,
	}
}

// Validate checks that the deriver produces distinct, wildcard-free segments
func (d Deriver) Validate() error {
	if d.RequestSegment == "" || d.ReplySegment == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "request and reply segments cannot be empty")
	}
	if d.RequestSegment == d.ReplySegment {
		return types.NewError(types.ErrCodeInvalidArgument, "request and reply segments must differ")
	}
	for _, seg := range []string{d.RequestSegment, d.ReplySegment} {
		if strings.ContainsAny(seg, Separator+SingleLevel+MultiLevel) {
			return types.NewError(types.ErrCodeInvalidArgument, "segment cannot contain separators or wildcards: "+seg)
		}
	}
	return nil
}

// RequestTopic appends the correlation suffix to the base topic
func (d Deriver) RequestTopic(base string, suffix int) string {
	return Join(strings.TrimSuffix(base, Separator), strconv.Itoa(suffix))
}

// ReplyTopic rewrites the first request segment of a request topic into the reply segment.
func (d Deriver) ReplyTopic(requestTopic string) (string, error) {
	return d.rewrite(requestTopic, d.RequestSegment, d.ReplySegment)
}

// RequestTopicFromReply inverts ReplyTopic.
func (d Deriver) RequestTopicFromReply(replyTopic string) (string, error) {
	return d.rewrite(replyTopic, d.ReplySegment, d.RequestSegment)
}

// Reply derives the request and reply topics for a base topic and suffix in one step.
func (d Deriver) Reply(base string, suffix int) (request, reply string, err error) {
	request = d.RequestTopic(base, suffix)
	reply, err = d.ReplyTopic(request)
	return request, reply, err
}

func (d Deriver) rewrite(t, from, to string) (string, error) {
	segments := Split(t)
	for i, seg := range segments {
		if seg == from {
			segments[i] = to
			return Join(segments...), nil
		}
	}
	return "", types.NewError(types.ErrCodeInvalidArgument,
		"topic "+strconv.Quote(t)+" has no "+strconv.Quote(from)+" segment")
}

// Namespace generates the topic scheme {module}/{version}/{kind}/{action}.
type Namespace struct {
	Module  string
	Version string
}

// RR returns the request/response base topic for an action
func (n Namespace) RR(action string) string {
	return Join(n.Module, n.Version, DefaultRequestSegment, action)
}

// SP returns the plain publish/subscribe topic for an action
func (n Namespace) SP(action string) string {
	return Join(n.Module, n.Version, DefaultPublishSegment, action)
}
