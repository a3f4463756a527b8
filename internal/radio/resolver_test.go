package radio

import (
	"strings"
	"testing"
	"time"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

var testContacts = []driver.Contact{
	{Name: "Bob", PublicKey: "AB12CD34EF56", Type: driver.ContactClient},
	{Name: "Alice", PublicKey: "FF00FF00FF00", Type: driver.ContactClient},
}

func TestResolve_FullKeyMatch(t *testing.T) {
	msg := &driver.Message{Text: "hi", SenderKey: "AB12CD34EF56"}
	attr := Resolve(msg, false, testContacts, nil)
	if attr.Sender != "Bob" || !attr.KnownContact {
		t.Fatalf("expected known contact Bob, got %q known=%v", attr.Sender, attr.KnownContact)
	}
	if !attr.Direct {
		t.Fatalf("expected direct attribution")
	}
}

func TestResolve_KeyPrefixMatch(t *testing.T) {
	msg := &driver.Message{Text: "hi", SenderKeyPrefix: "AB12"}
	attr := Resolve(msg, true, testContacts, map[int]string{0: "#general"})
	if attr.Sender != "Bob" || !attr.KnownContact {
		t.Fatalf("expected prefix match on Bob, got %q known=%v", attr.Sender, attr.KnownContact)
	}
}

func TestResolve_LeadingNameKnownContact(t *testing.T) {
	msg := &driver.Message{Text: "Alice: hello there", ChannelIdx: 0}
	attr := Resolve(msg, true, testContacts, map[int]string{0: "#general"})
	if attr.Sender != "Alice" || !attr.KnownContact {
		t.Fatalf("expected Alice from text convention, got %q known=%v", attr.Sender, attr.KnownContact)
	}
	if attr.Text != "hello there" {
		t.Fatalf("expected prefix stripped, got %q", attr.Text)
	}
}

func TestResolve_LeadingNameUnknownSenderStillStripped(t *testing.T) {
	msg := &driver.Message{Text: "Mallory: trust me", ChannelIdx: 1}
	attr := Resolve(msg, true, testContacts, map[int]string{1: "#general"})
	if attr.Sender != "Mallory" {
		t.Fatalf("expected extracted name, got %q", attr.Sender)
	}
	if attr.KnownContact {
		t.Fatalf("unmatched extracted name must not be marked known")
	}
	if attr.Text != "trust me" {
		t.Fatalf("expected prefix stripped even without a contact match, got %q", attr.Text)
	}
}

func TestResolve_LeadingNameIgnoredForDirect(t *testing.T) {
	msg := &driver.Message{Text: "Alice: hello"}
	attr := Resolve(msg, false, testContacts, nil)
	if attr.Sender != "Unknown" {
		t.Fatalf("text convention must not apply to direct messages, got %q", attr.Sender)
	}
	if attr.Text != "Alice: hello" {
		t.Fatalf("direct message text must be untouched, got %q", attr.Text)
	}
}

func TestResolve_PayloadNameThenPrefixThenUnknown(t *testing.T) {
	attr := Resolve(&driver.Message{Text: "x", SenderName: "node-7"}, false, testContacts, nil)
	if attr.Sender != "node-7" || attr.KnownContact {
		t.Fatalf("expected payload name fallback, got %q known=%v", attr.Sender, attr.KnownContact)
	}

	attr = Resolve(&driver.Message{Text: "x", SenderKeyPrefix: "DEAD"}, false, testContacts, nil)
	if attr.Sender != "DEAD" {
		t.Fatalf("expected raw prefix fallback, got %q", attr.Sender)
	}

	attr = Resolve(&driver.Message{Text: "x"}, false, testContacts, nil)
	if attr.Sender != "Unknown" {
		t.Fatalf("expected Unknown fallback, got %q", attr.Sender)
	}
}

func TestResolve_FullKeyBeatsTextConvention(t *testing.T) {
	msg := &driver.Message{Text: "Alice: hello", SenderKey: "AB12CD34EF56", ChannelIdx: 0}
	attr := Resolve(msg, true, testContacts, map[int]string{0: "#general"})
	if attr.Sender != "Bob" {
		t.Fatalf("key match must win over text convention, got %q", attr.Sender)
	}
	if attr.Text != "Alice: hello" {
		t.Fatalf("text must not be stripped when the key resolved, got %q", attr.Text)
	}
}

func TestResolve_MentionMarkup(t *testing.T) {
	msg := &driver.Message{Text: "ping @[Carol] and @[Dave]", SenderKey: "AB12CD34EF56"}
	attr := Resolve(msg, false, testContacts, nil)
	if attr.Text != "ping @Carol and @Dave" {
		t.Fatalf("expected mention markup rewritten, got %q", attr.Text)
	}

	msg = &driver.Message{Text: "Bob: ping @[Carol]", ChannelIdx: 0}
	attr = Resolve(msg, true, testContacts, map[int]string{0: "#general"})
	if attr.Text != "ping @Carol" {
		t.Fatalf("channel mention markup not rewritten, got %q", attr.Text)
	}
}

func TestResolve_ChannelLabelFallback(t *testing.T) {
	msg := &driver.Message{Text: "x", ChannelIdx: 3, SenderKey: "AB12CD34EF56"}
	attr := Resolve(msg, true, testContacts, map[int]string{0: "#general"})
	if attr.ChannelLabel != "Channel 3" {
		t.Fatalf("expected synthetic label, got %q", attr.ChannelLabel)
	}

	attr = Resolve(msg, true, testContacts, map[int]string{3: "#ops"})
	if attr.ChannelLabel != "#ops" {
		t.Fatalf("expected channel name from snapshot, got %q", attr.ChannelLabel)
	}
}

func TestLine_Rendering(t *testing.T) {
	now := time.Now().Unix()
	stamp := time.Unix(now, 0).Format("02;01 15:04")

	direct := Resolve(&driver.Message{Text: "hi", SenderKey: "AB12CD34EF56", SenderTimestamp: now}, false, testContacts, nil)
	if got, want := direct.Line(), stamp+" [DM] Bob: hi"; got != want {
		t.Fatalf("direct line = %q, want %q", got, want)
	}

	known := Resolve(&driver.Message{Text: "hi", SenderKey: "AB12CD34EF56", SenderTimestamp: now, ChannelIdx: 0}, true, testContacts, map[int]string{0: "#general"})
	if got, want := known.Line(), stamp+" [#general] Bob: hi"; got != want {
		t.Fatalf("channel line = %q, want %q", got, want)
	}

	unknown := Resolve(&driver.Message{Text: "hi", SenderName: "drifter", ChannelIdx: 0}, true, testContacts, map[int]string{0: "#general"})
	if got, want := unknown.Line(), "No timestamp [#general] Unknown Sender: drifter: hi"; got != want {
		t.Fatalf("unknown sender line = %q, want %q", got, want)
	}
}

func TestTimeLabel(t *testing.T) {
	if got := timeLabel(0); got != "No timestamp" {
		t.Fatalf("zero timestamp = %q", got)
	}
	got := timeLabel(time.Date(2024, 3, 9, 14, 5, 0, 0, time.Local).Unix())
	if !strings.HasPrefix(got, "09;03 ") {
		t.Fatalf("expected day;month prefix, got %q", got)
	}
}
