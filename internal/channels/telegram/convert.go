package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/go-telegram/bot"
	tgm "github.com/go-telegram/bot/models"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// toChain converts one inbound Telegram message into a message chain.
// Media file ids are resolved to download URLs so later stages can treat
// them like any other remote source.
func (a *Adapter) toChain(ctx context.Context, msg *tgm.Message) (*models.MessageChain, error) {
	chain := models.NewChain()

	if rm := msg.ReplyToMessage; rm != nil {
		reply := models.Reply{
			ID:   strconv.Itoa(rm.ID),
			Time: int64(rm.Date),
			Text: rm.Text,
		}
		if rm.From != nil {
			reply.SenderID = strconv.FormatInt(rm.From.ID, 10)
			reply.SenderName = rm.From.Username
		}
		chain.Components = append(chain.Components, reply)
	}

	if msg.Text != "" {
		chain.Components = append(chain.Components, a.splitEntities(msg.Text, msg.Entities)...)
	}

	if len(msg.Photo) > 0 {
		// The last photo size is the largest rendition.
		url, err := a.fileURL(ctx, msg.Photo[len(msg.Photo)-1].FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve photo: %w", err)
		}
		chain.URLImage(url)
	}
	if msg.Voice != nil {
		url, err := a.fileURL(ctx, msg.Voice.FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve voice: %w", err)
		}
		chain.Components = append(chain.Components, models.Record{URL: url})
	}
	if msg.Video != nil {
		url, err := a.fileURL(ctx, msg.Video.FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve video: %w", err)
		}
		chain.Components = append(chain.Components, models.Video{URL: url})
	}
	if msg.Document != nil {
		url, err := a.fileURL(ctx, msg.Document.FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve document: %w", err)
		}
		chain.Components = append(chain.Components, models.File{Name: msg.Document.FileName, URL: url})
	}

	if msg.Caption != "" {
		chain.Message(msg.Caption)
	}
	return chain, nil
}

// splitEntities turns mention entities into at-components and the rest of
// the text into plain segments. Telegram entity offsets count UTF-16 code
// units.
func (a *Adapter) splitEntities(text string, entities []tgm.MessageEntity) []models.Component {
	if len(entities) == 0 {
		return []models.Component{models.Plain{Text: text}}
	}
	selfID, selfUsername := a.self()

	units := utf16.Encode([]rune(text))
	var out []models.Component
	pos := 0
	appendPlain := func(from, to int) {
		if from >= to || from >= len(units) {
			return
		}
		if to > len(units) {
			to = len(units)
		}
		out = append(out, models.Plain{Text: string(utf16.Decode(units[from:to]))})
	}

	for _, ent := range entities {
		if ent.Type != tgm.MessageEntityTypeMention && ent.Type != tgm.MessageEntityTypeTextMention {
			continue
		}
		appendPlain(pos, ent.Offset)
		raw := string(utf16.Decode(units[ent.Offset:min(ent.Offset+ent.Length, len(units))]))

		at := models.At{Name: strings.TrimPrefix(raw, "@")}
		if ent.User != nil {
			at.ID = strconv.FormatInt(ent.User.ID, 10)
		} else if at.Name == selfUsername {
			// A plain @mention carries no user id; recognize ourselves by
			// username so the wake stage sees the self id.
			at.ID = selfID
		}
		out = append(out, at)
		pos = ent.Offset + ent.Length
	}
	appendPlain(pos, len(units))
	return out
}

func (a *Adapter) fileURL(ctx context.Context, fileID string) (string, error) {
	f, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}
	return a.bot.FileDownloadLink(f), nil
}

// deliver renders a chain as a sequence of Telegram API calls: text (with
// inline mentions) first, then each media component on its own.
func (a *Adapter) deliver(ctx context.Context, chatID int64, chain *models.MessageChain) error {
	var (
		text    strings.Builder
		replyTo int
	)

	flush := func() error {
		body := strings.TrimSpace(text.String())
		text.Reset()
		if body == "" {
			return nil
		}
		params := &bot.SendMessageParams{ChatID: chatID, Text: body}
		if replyTo != 0 {
			params.ReplyParameters = &tgm.ReplyParameters{MessageID: replyTo}
			replyTo = 0
		}
		_, err := a.bot.SendMessage(ctx, params)
		return err
	}

	for _, comp := range chain.Components {
		switch v := comp.(type) {
		case models.Plain:
			text.WriteString(v.Text)
		case models.At:
			if v.Name != "" {
				fmt.Fprintf(&text, "@%s ", v.Name)
			}
		case models.Reply:
			if id, err := strconv.Atoi(v.ID); err == nil {
				replyTo = id
			}
		case models.Image:
			if err := flush(); err != nil {
				return err
			}
			if err := a.sendImage(ctx, chatID, v); err != nil {
				return err
			}
		case models.Record:
			if err := flush(); err != nil {
				return err
			}
			if err := a.sendVoice(ctx, chatID, v); err != nil {
				return err
			}
		case models.Video:
			if err := flush(); err != nil {
				return err
			}
			if _, err := a.bot.SendVideo(ctx, &bot.SendVideoParams{
				ChatID: chatID,
				Video:  &tgm.InputFileString{Data: v.URL},
			}); err != nil {
				return err
			}
		case models.File:
			if err := flush(); err != nil {
				return err
			}
			if err := a.sendDocument(ctx, chatID, v); err != nil {
				return err
			}
		case models.Nodes:
			for _, node := range v.Items {
				for _, inner := range node.Content {
					if p, ok := inner.(models.Plain); ok {
						fmt.Fprintf(&text, "%s: %s\n", node.Name, p.Text)
					}
				}
			}
		}
	}
	return flush()
}

func (a *Adapter) sendImage(ctx context.Context, chatID int64, img models.Image) error {
	params := &bot.SendPhotoParams{ChatID: chatID}
	switch {
	case img.URL != "":
		params.Photo = &tgm.InputFileString{Data: img.URL}
	case img.Path != "":
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return fmt.Errorf("read image %s: %w", img.Path, err)
		}
		params.Photo = &tgm.InputFileUpload{
			Filename: filepath.Base(img.Path),
			Data:     bytes.NewReader(data),
		}
	case img.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return fmt.Errorf("decode inline image: %w", err)
		}
		params.Photo = &tgm.InputFileUpload{Filename: "image.png", Data: bytes.NewReader(data)}
	default:
		return nil
	}
	_, err := a.bot.SendPhoto(ctx, params)
	return err
}

func (a *Adapter) sendVoice(ctx context.Context, chatID int64, rec models.Record) error {
	params := &bot.SendVoiceParams{ChatID: chatID}
	switch {
	case rec.URL != "":
		params.Voice = &tgm.InputFileString{Data: rec.URL}
	case rec.Path != "":
		data, err := os.ReadFile(rec.Path)
		if err != nil {
			return fmt.Errorf("read voice %s: %w", rec.Path, err)
		}
		params.Voice = &tgm.InputFileUpload{
			Filename: filepath.Base(rec.Path),
			Data:     bytes.NewReader(data),
		}
	default:
		return nil
	}
	_, err := a.bot.SendVoice(ctx, params)
	return err
}

func (a *Adapter) sendDocument(ctx context.Context, chatID int64, f models.File) error {
	params := &bot.SendDocumentParams{ChatID: chatID}
	switch {
	case f.URL != "":
		params.Document = &tgm.InputFileString{Data: f.URL}
	case f.Path != "":
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("read document %s: %w", f.Path, err)
		}
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		params.Document = &tgm.InputFileUpload{Filename: name, Data: bytes.NewReader(data)}
	default:
		return nil
	}
	_, err := a.bot.SendDocument(ctx, params)
	return err
}
