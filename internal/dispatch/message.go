package dispatch

import (
	"fmt"
	"strconv"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

// Stream entry field names.
const (
	fieldUserID  = "userId"
	fieldEventID = "eventId"
	fieldKind    = "kind"
	fieldRank    = "rank"
	fieldMode    = "mode"
)

func StreamKey(processID string) string {
	return fmt.Sprintf("dispatch:%s", processID)
}

func groupName(stream string) string {
	return fmt.Sprintf("%s:group", stream)
}

func consumerName(processID string) string {
	return fmt.Sprintf("%s-consumer", processID)
}

func encode(msg domain.DispatchMessage) map[string]any {
	kind := msg.Kind
	if kind == "" {
		kind = domain.KindAdmit
	}
	values := map[string]any{
		fieldUserID:  msg.UserID,
		fieldEventID: msg.EventID,
		fieldKind:    string(kind),
	}
	if kind == domain.KindRank {
		values[fieldRank] = strconv.FormatInt(msg.Rank, 10)
	}
	if msg.Mode != "" {
		values[fieldMode] = string(msg.Mode)
	}
	return values
}

func decode(values map[string]any) (domain.DispatchMessage, error) {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	msg := domain.DispatchMessage{
		UserID:  str(fieldUserID),
		EventID: str(fieldEventID),
		Kind:    domain.MessageKind(str(fieldKind)),
		Mode:    domain.EntryMode(str(fieldMode)),
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindAdmit
	}
	if msg.UserID == "" || msg.EventID == "" {
		return msg, domain.ErrInvalidMessage
	}
	if msg.Kind == domain.KindRank {
		rank, err := strconv.ParseInt(str(fieldRank), 10, 64)
		if err != nil {
			return msg, fmt.Errorf("%w: rank: %v", domain.ErrInvalidMessage, err)
		}
		msg.Rank = rank
	}
	return msg, nil
}
