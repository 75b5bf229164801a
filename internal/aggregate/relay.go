package aggregate

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/mixelka/aggregram/internal/botapi"
	"github.com/mixelka/aggregram/internal/telegram"
)

// captionLimit is the Bot API caption cap. The attribution footer is always
// preserved; the body is truncated to make room.
const captionLimit = 1024

// unit is one relay step: a single message or one album.
type unit struct {
	items []RelayItem
}

func (u unit) first() RelayItem { return u.items[0] }

func (u unit) maxID() int64 {
	max := u.items[0].MessageID
	for _, it := range u.items[1:] {
		if it.MessageID > max {
			max = it.MessageID
		}
	}
	return max
}

func (u unit) ids() []int64 {
	ids := make([]int64, len(u.items))
	for i, it := range u.items {
		ids[i] = it.MessageID
	}
	return ids
}

// groupUnits folds consecutive items sharing a source channel and a non-zero
// media group id into albums; everything else stays a singleton.
func groupUnits(items []RelayItem) []unit {
	var units []unit
	for _, it := range items {
		if len(units) > 0 {
			last := &units[len(units)-1]
			prev := last.items[len(last.items)-1]
			if it.MediaGroupID != 0 &&
				it.MediaGroupID == prev.MediaGroupID &&
				it.SourceChannelID == prev.SourceChannelID {
				last.items = append(last.items, it)
				continue
			}
		}
		units = append(units, unit{items: []RelayItem{it}})
	}
	return units
}

// relayOutcome classifies what happened to one unit.
type relayOutcome int

const (
	relayPosted relayOutcome = iota
	relaySkipped
)

// fatalError marks a destination-channel failure that aborts the batch.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return fmt.Sprintf("destination channel inaccessible: %v", e.err) }
func (e *fatalError) Unwrap() error { return e.err }

// engine executes the tiered relay strategy for one post job.
type engine struct {
	bot     BotAPI
	session telegram.Client // nil when no live session is available
	destID  int64
	logger  *slog.Logger
}

// relay attempts one unit through the fallback tiers, first success wins.
func (e *engine) relay(ctx context.Context, u unit) (relayOutcome, error) {
	outcome, err := e.copyViaBot(ctx, u)
	if err == nil {
		return outcome, nil
	}

	if retryAfter, ok := botapi.IsRateLimit(err); ok {
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if outcome, err = e.copyViaBot(ctx, u); err == nil {
			return outcome, nil
		}
	}

	switch {
	case botapi.IsChatInaccessible(err):
		return 0, &fatalError{err: err}
	case botapi.IsMessageGone(err):
		// Source item deleted between fetch and post; skip and move on
		return relaySkipped, nil
	case botapi.IsCopyForbidden(err):
		return e.forwardViaSession(ctx, u, err)
	default:
		return 0, err
	}
}

// copyViaBot is tier one: repost through the posting bot without a forward
// header, attribution appended to the text or caption.
func (e *engine) copyViaBot(ctx context.Context, u unit) (relayOutcome, error) {
	item := u.first()
	attribution := attributionHTML(item)

	if len(u.items) > 1 {
		ids, err := e.bot.CopyMessages(ctx, e.destID, item.SourceChannelID, u.ids())
		if err != nil {
			return 0, err
		}
		// Attribution goes on the first copied item; losing it is not worth
		// failing an already-delivered album.
		if len(ids) > 0 {
			caption := withAttribution(html.EscapeString(item.Text), attribution)
			if err := e.bot.EditCaption(ctx, e.destID, ids[0], caption); err != nil {
				e.logger.Debug("album attribution edit failed", "error", err)
			}
		}
		return relayPosted, nil
	}

	if !item.HasMedia {
		body := withAttribution(html.EscapeString(item.Text), attribution)
		if _, err := e.bot.SendMessage(ctx, e.destID, body); err != nil {
			return 0, err
		}
		return relayPosted, nil
	}

	caption := withAttribution(html.EscapeString(item.Text), attribution)
	if _, err := e.bot.CopyMessage(ctx, e.destID, item.SourceChannelID, item.MessageID, caption); err != nil {
		return 0, err
	}
	return relayPosted, nil
}

// forwardViaSession is tier two: the full account session can read content
// the bot cannot copy. Attribution becomes a best-effort follow-up message.
func (e *engine) forwardViaSession(ctx context.Context, u unit, copyErr error) (relayOutcome, error) {
	if e.session == nil {
		return 0, fmt.Errorf("bot copy failed and no session available for fallback: %w", copyErr)
	}

	item := u.first()
	err := e.session.ForwardMessages(ctx, item.SourceChannelID, e.destID, u.ids())
	if err != nil {
		if telegram.IsGone(err) {
			return relaySkipped, nil
		}
		return 0, fmt.Errorf("session forward fallback failed: %w", err)
	}

	if _, err := e.bot.SendMessage(ctx, e.destID, attributionHTML(item)); err != nil {
		e.logger.Debug("fallback attribution message failed", "error", err)
	}
	return relayPosted, nil
}

// attributionHTML builds the source link footer.
func attributionHTML(item RelayItem) string {
	title := html.EscapeString(item.SourceTitle)
	if item.SourceUsername != "" {
		return fmt.Sprintf(`via <a href="https://t.me/%s/%d">%s</a>`,
			item.SourceUsername, item.MessageID, title)
	}
	return "via " + title
}

// withAttribution appends the footer to a body, truncating the body so the
// footer always fits under the caption cap.
func withAttribution(body, attribution string) string {
	if body == "" {
		return attribution
	}
	sep := "\n\n"
	budget := captionLimit - len(attribution) - len(sep)
	if budget < 0 {
		return attribution
	}
	if len(body) > budget {
		cut := budget
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return body + sep + attribution
}
