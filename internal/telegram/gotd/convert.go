package gotd

import (
	"errors"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/mixelka/aggregram/internal/telegram"
)

// wrapErr lifts RPC errors into the shared error type so callers can
// classify them without importing gotd.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		return &telegram.Error{Code: rpc.Code, Type: rpc.Type, Err: err}
	}
	return err
}

func convertMessage(m *tg.Message) telegram.Message {
	msg := telegram.Message{
		ID:   int64(m.ID),
		Date: time.Unix(int64(m.Date), 0).UTC(),
	}
	if gid, ok := m.GetGroupedID(); ok {
		msg.MediaGroupID = gid
	}
	if m.Media != nil {
		if _, empty := m.Media.(*tg.MessageMediaEmpty); !empty {
			msg.HasMedia = true
		}
	}
	if msg.HasMedia {
		msg.Caption = m.Message
	} else {
		msg.Text = m.Message
	}
	return msg
}
