package notify

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
)

// WhatsApp sends notices from a linked WhatsApp device. Notices without a
// recipient go to the operator number.
type WhatsApp struct {
	client   *whatsmeow.Client
	operator string
	fallback Notifier
}

// NewWhatsApp opens the device store in dataDir and connects. An unpaired
// device logs a pairing QR code and blocks until it is scanned or ctx ends.
func NewWhatsApp(ctx context.Context, dataDir, operator string) (*WhatsApp, error) {
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s/whatsmeow.db?_foreign_keys=on", dataDir), nil)
	if err != nil {
		return nil, fmt.Errorf("opening whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading whatsapp device: %w", err)
	}

	w := &WhatsApp{
		client:   whatsmeow.NewClient(device, nil),
		operator: operator,
		fallback: LogNotifier{},
	}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WhatsApp) connect(ctx context.Context) error {
	if w.client.Store.ID != nil {
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("connecting to whatsapp: %w", err)
		}
		return nil
	}

	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp pairing: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting to whatsapp: %w", err)
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			log.WithField("event", evt.Event).Info("whatsapp pairing event")
			continue
		}
		q, err := qrcode.New(evt.Code, qrcode.Medium)
		if err != nil {
			log.WithField("code", evt.Code).Warn("scan this pairing code with WhatsApp > Linked Devices")
			continue
		}
		log.Info("scan the QR code below with WhatsApp > Linked Devices\n" + q.ToSmallString(false))
	}
	return nil
}

func (w *WhatsApp) Close() {
	w.client.Disconnect()
}

func (w *WhatsApp) Notify(ctx context.Context, n Notice) error {
	to := n.To
	if to == "" {
		to = w.operator
	}
	if to == "" {
		return w.fallback.Notify(ctx, n)
	}

	number := strings.TrimPrefix(to, "+")
	resp, err := w.client.IsOnWhatsApp(ctx, []string{"+" + number})
	if err != nil {
		return fmt.Errorf("checking %s on whatsapp: %w", to, err)
	}
	jid := types.NewJID(number, types.DefaultUserServer)
	if len(resp) > 0 {
		if !resp[0].IsIn {
			log.WithField("to", to).Warn("recipient is not on whatsapp, logging notice instead")
			return w.fallback.Notify(ctx, n)
		}
		jid = resp[0].JID
	}

	text := n.Text
	if _, err := w.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: &text}); err != nil {
		return fmt.Errorf("sending whatsapp notice to %s: %w", to, err)
	}
	log.WithFields(log.Fields{"notice": n.Kind, "event_id": n.EventID, "guest_id": n.GuestID}).Info("notice sent over whatsapp")
	return nil
}
