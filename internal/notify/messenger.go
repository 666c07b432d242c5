package notify

import (
	"context"
	"fmt"

	"streamrelay/internal/models"
)

// Message is the rendered announcement handed to the chat transport. Fields
// mirror a rich embed: headline plus optional detail rows.
type Message struct {
	ChannelID    string
	Content      string
	Title        string
	URL          string
	ThumbnailURL string
	Fields       []MessageField
}

// MessageField is a labelled detail row attached to a message.
type MessageField struct {
	Name  string
	Value string
}

// Messenger delivers rendered announcements to a chat channel. Implementations
// are expected to be safe for concurrent use.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

func renderMessage(channelID, roleID string, ev Event) Message {
	msg := Message{
		ChannelID:    channelID,
		Title:        ev.Title,
		URL:          ev.URL,
		ThumbnailURL: ev.ThumbnailURL,
	}
	mention := ""
	if roleID != "" {
		mention = fmt.Sprintf("<@&%s> ", roleID)
	}
	switch ev.Platform {
	case models.PlatformTwitch:
		msg.Content = fmt.Sprintf("%s%s is now live on Twitch!", mention, ev.AuthorName)
		if ev.Game != "" {
			msg.Fields = append(msg.Fields, MessageField{Name: "Playing", Value: ev.Game})
		}
		if ev.ViewerCount > 0 {
			msg.Fields = append(msg.Fields, MessageField{Name: "Viewers", Value: fmt.Sprintf("%d", ev.ViewerCount)})
		}
	case models.PlatformYouTube:
		msg.Content = fmt.Sprintf("%s%s uploaded a new video!", mention, ev.AuthorName)
	default:
		msg.Content = fmt.Sprintf("%s%s posted an update", mention, ev.AuthorName)
	}
	return msg
}
