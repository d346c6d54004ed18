// Package notify delivers web-push alerts for incoming calls, so a callee
// whose browser tab is backgrounded still sees the call ring.
package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"github.com/EpochX-sol/health-connect-core/internal/config"
	"github.com/EpochX-sol/health-connect-core/internal/models"
)

type Pusher struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	logger *slog.Logger
}

func NewPusher(db *gorm.DB, keys *config.VAPIDKeys, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{db: db, keys: keys, logger: logger}
}

// Subscribe stores the endpoint for the user, replacing any previous one.
// One subscription per user: the newest browser wins.
func (p *Pusher) Subscribe(userID, endpoint, p256dh, auth string) (*models.PushSubscription, error) {
	if err := p.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		p.logger.Warn("stale push subscriptions not cleared", "user_id", userID, "error", err)
	}

	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := p.db.Create(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unsubscribe removes the endpoint. Missing subscriptions are not an error.
func (p *Pusher) Unsubscribe(userID, endpoint string) error {
	return p.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&models.PushSubscription{}).Error
}

// IncomingCall pushes a ring alert to every endpoint the user registered.
// Endpoints the push service reports gone (410/404) are pruned.
func (p *Pusher) IncomingCall(userID, callerName string, callType models.CallType) {
	var subs []models.PushSubscription
	if err := p.db.Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		p.logger.Warn("push subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	title := "Incoming voice call"
	if callType == models.CallTypeVideo {
		title = "Incoming video call"
	}
	payload, err := json.Marshal(map[string]any{
		"title":   title,
		"body":    callerName + " is calling you",
		"urgency": "high",
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      p.keys.Subject,
			VAPIDPublicKey:  p.keys.PublicKey,
			VAPIDPrivateKey: p.keys.PrivateKey,
			TTL:             30,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			p.logger.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			p.db.Delete(&sub)
			p.logger.Info("pruned dead push subscription", "user_id", userID)
		}
		resp.Body.Close()
	}
}
