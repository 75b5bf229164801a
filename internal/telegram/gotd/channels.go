package gotd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/mixelka/aggregram/internal/telegram"
)

// ResolveChat resolves a chat by @username or numeric id string.
func (c *Client) ResolveChat(ctx context.Context, ref string) (*telegram.Chat, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return c.ChatInfo(ctx, id)
	}

	username := strings.TrimPrefix(ref, "@")
	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", ref, wrapErr(err))
	}

	for _, u := range res.Users {
		user, ok := u.(*tg.User)
		if !ok || !strings.EqualFold(user.Username, username) {
			continue
		}
		c.mu.Lock()
		c.userHash[user.ID] = user.AccessHash
		c.mu.Unlock()
		return &telegram.Chat{ID: user.ID, Title: user.FirstName, Username: user.Username}, nil
	}
	for _, ch := range res.Chats {
		channel, ok := ch.(*tg.Channel)
		if !ok {
			continue
		}
		c.rememberChannel(channel)
		return &telegram.Chat{
			ID:        channel.ID,
			Title:     channel.Title,
			Username:  channel.Username,
			Protected: channel.Noforwards,
			IsChannel: true,
		}, nil
	}
	return nil, fmt.Errorf("failed to resolve %q: no matching peer", ref)
}

// ChatInfo fetches full channel metadata, including the protected-content
// flag and member count.
func (c *Client) ChatInfo(ctx context.Context, channelID int64) (*telegram.Chat, error) {
	input, err := c.inputChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	full, err := c.api.ChannelsGetFullChannel(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel info: %w", wrapErr(err))
	}

	info := &telegram.Chat{ID: channelID, IsChannel: true}
	if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
		info.MemberCount = cf.ParticipantsCount
	}
	for _, ch := range full.Chats {
		channel, ok := ch.(*tg.Channel)
		if !ok || channel.ID != channelID {
			continue
		}
		c.rememberChannel(channel)
		info.Title = channel.Title
		info.Username = channel.Username
		info.Protected = channel.Noforwards
	}
	return info, nil
}

// CreateChannel creates a broadcast channel and returns its id.
func (c *Client) CreateChannel(ctx context.Context, title, about string) (int64, error) {
	updates, err := c.api.ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Broadcast: true,
		Title:     title,
		About:     about,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create channel: %w", wrapErr(err))
	}

	for _, chat := range updatesChats(updates) {
		if channel, ok := chat.(*tg.Channel); ok {
			c.rememberChannel(channel)
			return channel.ID, nil
		}
	}
	return 0, fmt.Errorf("create channel response carried no channel")
}

// PromoteBotAdmin grants a bot post/edit/delete rights on a channel.
func (c *Client) PromoteBotAdmin(ctx context.Context, channelID int64, botUsername string) error {
	input, err := c.inputChannel(ctx, channelID)
	if err != nil {
		return err
	}

	bot, err := c.ResolveChat(ctx, "@"+strings.TrimPrefix(botUsername, "@"))
	if err != nil {
		return err
	}
	c.mu.Lock()
	botHash := c.userHash[bot.ID]
	c.mu.Unlock()

	_, err = c.api.ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
		Channel: input,
		UserID:  &tg.InputUser{UserID: bot.ID, AccessHash: botHash},
		AdminRights: tg.ChatAdminRights{
			PostMessages:   true,
			EditMessages:   true,
			DeleteMessages: true,
		},
		Rank: "bot",
	})
	if err != nil {
		return fmt.Errorf("failed to promote bot: %w", wrapErr(err))
	}
	return nil
}

// InviteLink exports the channel's primary invite link.
func (c *Client) InviteLink(ctx context.Context, channelID int64) (string, error) {
	peer, err := c.inputChannelPeer(ctx, channelID)
	if err != nil {
		return "", err
	}

	res, err := c.api.MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{Peer: peer})
	if err != nil {
		return "", fmt.Errorf("failed to export invite link: %w", wrapErr(err))
	}
	invite, ok := res.(*tg.ChatInviteExported)
	if !ok {
		return "", fmt.Errorf("unexpected invite response %T", res)
	}
	return invite.Link, nil
}

func (c *Client) rememberChannel(channel *tg.Channel) {
	c.mu.Lock()
	c.channelHash[channel.ID] = channel.AccessHash
	c.mu.Unlock()
}

// inputChannel resolves a channel id to an InputChannel, consulting the
// access-hash cache and falling back to a server lookup.
func (c *Client) inputChannel(ctx context.Context, channelID int64) (*tg.InputChannel, error) {
	c.mu.Lock()
	hash, ok := c.channelHash[channelID]
	c.mu.Unlock()
	if ok {
		return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
	}

	res, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: channelID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %d: %w", channelID, wrapErr(err))
	}
	for _, chat := range res.GetChats() {
		channel, ok := chat.(*tg.Channel)
		if !ok || channel.ID != channelID {
			continue
		}
		c.rememberChannel(channel)
		return &tg.InputChannel{ChannelID: channelID, AccessHash: channel.AccessHash}, nil
	}
	c.logger.Warn("channel lookup returned no match", zap.Int64("channel_id", channelID))
	return nil, &telegram.Error{Code: 400, Type: "CHANNEL_INVALID"}
}

func (c *Client) inputChannelPeer(ctx context.Context, channelID int64) (tg.InputPeerClass, error) {
	input, err := c.inputChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &tg.InputPeerChannel{ChannelID: input.ChannelID, AccessHash: input.AccessHash}, nil
}

// inputPeer resolves any chat id the client has seen to an input peer.
func (c *Client) inputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	c.mu.Lock()
	userHash, isUser := c.userHash[chatID]
	c.mu.Unlock()
	if isUser {
		return &tg.InputPeerUser{UserID: chatID, AccessHash: userHash}, nil
	}
	return c.inputChannelPeer(ctx, chatID)
}

func updatesChats(u tg.UpdatesClass) []tg.ChatClass {
	switch v := u.(type) {
	case *tg.Updates:
		return v.Chats
	case *tg.UpdatesCombined:
		return v.Chats
	default:
		return nil
	}
}
