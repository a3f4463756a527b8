package radio

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// ProbeChannels enumerates configured channel slots by probing indices
// 0..maxSlots-1; the firmware has no "list all channels" command. A
// failed or empty probe at one index never aborts the rest.
func ProbeChannels(ctx context.Context, sess driver.Session, maxSlots int, log *zap.Logger) []driver.ChannelInfo {
	var channels []driver.ChannelInfo
	for slot := 0; slot < maxSlots; slot++ {
		info, err := sess.GetChannel(ctx, slot)
		if err != nil {
			log.Debug("channel probe failed", zap.Int("slot", slot), zap.Error(err))
			continue
		}
		if info.Name == "" {
			continue
		}
		channels = append(channels, *info)
	}
	return channels
}

// JoinResult is the outcome of a public channel join. When no slot is
// free, Occupied carries the full current slot list for a human
// decision; nothing has been mutated in that case.
type JoinResult struct {
	Joined   bool
	Occupied []driver.ChannelInfo
}

// Workflow acquires public channel slots through the Connector's
// active link.
type Workflow struct {
	connector *Connector
	maxSlots  int
	log       *zap.Logger
}

// NewWorkflow builds a channel workflow probing up to maxSlots slots.
func NewWorkflow(connector *Connector, maxSlots int, log *zap.Logger) *Workflow {
	return &Workflow{connector: connector, maxSlots: maxSlots, log: log}
}

// JoinPublic joins the named public channel. If a slot already carries
// the name the join is a no-op success; if an empty slot exists the
// join is committed there; otherwise the occupied slot list is
// returned and the caller must come back via OverwritePublic with a
// chosen slot.
func (w *Workflow) JoinPublic(ctx context.Context, name string) (JoinResult, error) {
	if !strings.HasPrefix(name, "#") {
		return JoinResult{}, &Error{
			Kind:    KindUnexpected,
			Message: "public channel names must start with '#'",
		}
	}
	sess := w.connector.Session()
	if sess == nil {
		return JoinResult{}, notConnectedErr()
	}

	freeSlot := -1
	var occupied []driver.ChannelInfo
	for slot := 0; slot < w.maxSlots; slot++ {
		info, err := sess.GetChannel(ctx, slot)
		if err != nil {
			w.log.Debug("channel probe failed", zap.Int("slot", slot), zap.Error(err))
			continue
		}
		if info.Name == "" {
			if freeSlot < 0 {
				freeSlot = slot
			}
			continue
		}
		if info.Name == name {
			return JoinResult{Joined: true}, nil
		}
		occupied = append(occupied, *info)
	}

	if freeSlot < 0 {
		sort.Slice(occupied, func(i, j int) bool { return occupied[i].Index < occupied[j].Index })
		return JoinResult{Occupied: occupied}, nil
	}
	if err := w.commit(ctx, sess, freeSlot, name); err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Joined: true}, nil
}

// OverwritePublic commits the named channel into the chosen slot,
// replacing whatever occupied it.
func (w *Workflow) OverwritePublic(ctx context.Context, name string, slot int) error {
	if slot < 0 || slot >= w.maxSlots {
		return &Error{Kind: KindUnexpected, Message: fmt.Sprintf("channel slot %d out of range", slot)}
	}
	sess := w.connector.Session()
	if sess == nil {
		return notConnectedErr()
	}
	return w.commit(ctx, sess, slot, name)
}

func (w *Workflow) commit(ctx context.Context, sess driver.Session, slot int, name string) error {
	if err := sess.SetChannel(ctx, slot, name, publicChannelSecret(name)); err != nil {
		return &Error{
			Kind:    KindTransport,
			Message: fmt.Sprintf("failed to set channel slot %d", slot),
			Err:     err,
		}
	}
	w.log.Info("joined public channel", zap.String("channel", name), zap.Int("slot", slot))
	return nil
}

// publicChannelSecret derives the shared key for a public channel: the
// first 16 bytes of SHA-256 over the lowercased name. Every node
// deriving the same key from the name can read the channel.
func publicChannelSecret(name string) []byte {
	sum := sha256.Sum256([]byte(strings.ToLower(name)))
	return sum[:16]
}
