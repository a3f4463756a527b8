package radio

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// Attribution is the displayable identity and body of one inbound
// message, resolved against the current contacts/channels snapshot.
type Attribution struct {
	// Sender is the resolved sender label.
	Sender string
	// KnownContact reports whether Sender names an entry of the
	// contacts snapshot.
	KnownContact bool
	// Text is the message body, with any leading "name: " convention
	// already stripped.
	Text string
	// Direct is true for node-to-node messages.
	Direct bool
	// ChannelLabel is the channel's display name ("" for direct
	// messages); unknown slots get a synthetic "Channel {id}" label.
	ChannelLabel string
	// TimeLabel renders the sender timestamp, or "No timestamp".
	TimeLabel string
}

var (
	// mentionRe matches inline mention markup "@[name]".
	mentionRe = regexp.MustCompile(`@\[(.*?)\]`)
	// leadingNameRe matches the "name: message" channel convention.
	leadingNameRe = regexp.MustCompile(`^([^:]+):`)
)

const noTimestampLabel = "No timestamp"

// Resolve attributes one inbound message. Pure: it reads only its
// arguments and produces a result, so it is safe on the event pump.
//
// Sender resolution order, first match wins: full public key against a
// contact, key prefix against a contact, leading "name: " text
// convention (channel messages only), sender name carried in the
// payload, the raw key prefix, then "Unknown". The text convention can
// mislabel an unknown sender with a contact's name lifted from free
// text; KnownContact=false output is rendered distinguishably for that
// reason.
func Resolve(msg *driver.Message, isChannel bool, contacts []driver.Contact, channels map[int]string) Attribution {
	// Mention markup is rewritten before any resolution step runs.
	text := mentionRe.ReplaceAllString(msg.Text, "@$1")

	attr := Attribution{
		Direct:    !isChannel,
		Text:      text,
		TimeLabel: timeLabel(msg.SenderTimestamp),
	}

	// 1. Full public key match.
	if msg.SenderKey != "" {
		for _, c := range contacts {
			if c.PublicKey == msg.SenderKey {
				attr.Sender = c.Name
				attr.KnownContact = true
				break
			}
		}
	}

	// 2. Key prefix match.
	if !attr.KnownContact && msg.SenderKeyPrefix != "" {
		for _, c := range contacts {
			if strings.HasPrefix(c.PublicKey, msg.SenderKeyPrefix) {
				attr.Sender = c.Name
				attr.KnownContact = true
				break
			}
		}
	}

	// 3. Leading "name: " convention, channel messages only. The
	// prefix is stripped whether or not the name matches a contact.
	if attr.Sender == "" && isChannel {
		if m := leadingNameRe.FindStringSubmatch(text); m != nil {
			extracted := strings.TrimSpace(m[1])
			attr.Sender = extracted
			attr.Text = strings.TrimSpace(text[len(m[0]):])
			for _, c := range contacts {
				if c.Name == extracted {
					attr.KnownContact = true
					break
				}
			}
		}
	}

	// 4. Sender name carried in the payload.
	if attr.Sender == "" && msg.SenderName != "" {
		attr.Sender = msg.SenderName
	}

	// 5. The raw key prefix itself.
	if attr.Sender == "" && msg.SenderKeyPrefix != "" {
		attr.Sender = msg.SenderKeyPrefix
	}

	// 6. Final fallback.
	if attr.Sender == "" {
		attr.Sender = "Unknown"
	}

	if isChannel {
		if name, ok := channels[msg.ChannelIdx]; ok {
			attr.ChannelLabel = name
		} else {
			attr.ChannelLabel = fmt.Sprintf("Channel %d", msg.ChannelIdx)
		}
	}
	return attr
}

// Line renders the attribution the way the display shows it. Channel
// messages from senders that are not known contacts carry an explicit
// qualifier so they cannot pass for a contact.
func (a Attribution) Line() string {
	if a.Direct {
		return fmt.Sprintf("%s [DM] %s: %s", a.TimeLabel, a.Sender, a.Text)
	}
	if a.KnownContact {
		return fmt.Sprintf("%s [%s] %s: %s", a.TimeLabel, a.ChannelLabel, a.Sender, a.Text)
	}
	return fmt.Sprintf("%s [%s] Unknown Sender: %s: %s", a.TimeLabel, a.ChannelLabel, a.Sender, a.Text)
}

// timeLabel formats an epoch-seconds sender timestamp as "dd;MM HH:mm"
// local time.
func timeLabel(ts int64) string {
	if ts == 0 {
		return noTimestampLabel
	}
	return time.Unix(ts, 0).Format("02;01 15:04")
}
