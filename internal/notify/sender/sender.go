// Package sender implements the Notification Sender (C7): one batched call
// per target per drain, a single formatted message when the batch has one
// record or a "forwarded-bundle" composite otherwise, a mention follow-up
// reply, and a 15/min per-target rate limit with silent drop-and-warn on
// overflow. Grounded on the teacher's chat-post dispatch pattern in
// server/webhook.go (a single outbound post per handled event) generalized
// to batch dispatch, and its truncateText helper reused via
// internal/notify/formatter.
package sender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/nickmisasi/ghrelay/internal/chatadapter"
	"github.com/nickmisasi/ghrelay/internal/notify/formatter"
	"github.com/nickmisasi/ghrelay/internal/ratelimit"
)

// perTargetSendLimit is spec §4.4's 15 sends/minute per target ceiling.
const perTargetSendLimit = 15

// Sender batches NotificationRecords for a (platform,target) key into chat
// messages via a chatadapter.Adapter.
type Sender struct {
	adapter chatadapter.Adapter
	limiter *ratelimit.Bucket
	log     logr.Logger
}

// NewSender builds a Sender posting through adapter.
func NewSender(adapter chatadapter.Adapter, log logr.Logger) *Sender {
	return &Sender{
		adapter: adapter,
		limiter: ratelimit.NewBucket(perTargetSendLimit, time.Minute, nil),
		log:     log,
	}
}

// SendBatch implements the aggregate.Sender interface: key is
// "<platform>_<target_id>"; records is the drained, non-empty group.
func (s *Sender) SendBatch(key string, records []formatter.NotificationRecord) {
	if len(records) == 0 {
		return
	}

	targetID := targetIDFromKey(key)

	if !s.limiter.Allow(targetID) {
		s.log.Info("dropping notification batch: per-target rate limit exceeded", "target", targetID, "batch_size", len(records))
		return
	}

	ctx := context.Background()
	body := renderBatch(records)

	msg, err := s.adapter.Send(ctx, targetID, body)
	if err != nil {
		s.log.Error(err, "sending notification batch", "target", targetID)
		return
	}

	mentions := collectMentions(records)
	if len(mentions) == 0 {
		return
	}

	followUp := renderMentionFollowUp(mentions)
	if _, err := s.adapter.SendWithMentions(ctx, targetID, followUp, mentions); err != nil {
		s.log.Error(err, "sending mention follow-up", "target", targetID, "in_reply_to", msg.ID)
	}
}

// targetIDFromKey strips the "<platform>_" prefix from an aggregation key,
// leaving the bare chat-platform target identifier.
func targetIDFromKey(key string) string {
	idx := strings.Index(key, "_")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

// renderBatch emits either the single record's own text (n=1) or a
// forwarded-bundle composite (n>1), per spec §4.4's sender contract.
func renderBatch(records []formatter.NotificationRecord) string {
	if len(records) == 1 {
		return renderSingle(records[0])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📬 %d notifications:\n\n", len(records))
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)
		if r.Body != "" {
			b.WriteString(r.Body + "\n")
		}
		if r.URL != "" {
			b.WriteString(r.URL + "\n")
		}
		if i < len(records)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderSingle(r formatter.NotificationRecord) string {
	var b strings.Builder
	b.WriteString(r.Title)
	if r.Body != "" {
		b.WriteString("\n" + r.Body)
	}
	if r.URL != "" {
		b.WriteString("\n" + r.URL)
	}
	return b.String()
}

func collectMentions(records []formatter.NotificationRecord) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range records {
		for _, m := range r.Mentions {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func renderMentionFollowUp(mentions []string) string {
	var b strings.Builder
	b.WriteString("cc ")
	for i, m := range mentions {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString("@" + m)
	}
	return b.String()
}
