package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/webhookverify"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	OK      bool `json:"ok"`
	Deduped bool `json:"deduped,omitempty"`
}

// handleWebhook verifies, deduplicates and relays a provider push. The body
// is verified before it touches the ledger so forged requests cannot fill it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	verifier, ok := s.deps.Verifiers[provider]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown provider"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		telemetry.InboundEvents.WithLabelValues(provider, "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request"})
		return
	}

	ev, err := verifier.Verify(r.Context(), raw, r.Header)
	if err != nil {
		telemetry.InboundEvents.WithLabelValues(provider, "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid signature"})
		return
	}

	adm, err := s.deps.Guard.Admit(r.Context(), provider, ev.Raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if adm.AlreadySeen {
		telemetry.InboundEvents.WithLabelValues(provider, "deduped").Inc()
		s.log.Info("inbound webhook deduped", "provider", provider, "digest", adm.Digest)
		writeJSON(w, http.StatusOK, webhookResponse{OK: true, Deduped: true})
		return
	}

	if err := s.relay(r.Context(), provider, ev); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if rerr := s.deps.Guard.Release(rctx, adm); rerr != nil {
			s.log.Error("release inbound event", "provider", provider, "digest", adm.Digest, "error", rerr)
		}
		s.writeError(w, r, err)
		return
	}
	telemetry.InboundEvents.WithLabelValues(provider, "accepted").Inc()
	writeJSON(w, http.StatusOK, webhookResponse{OK: true})
}

// InboundEventName names the outbound event relayed for a provider push,
// e.g. "plaid.transactions.sync_updates_available".
func InboundEventName(provider, webhookType, webhookCode string) string {
	return fmt.Sprintf("%s.%s.%s", provider, strings.ToLower(webhookType), strings.ToLower(webhookCode))
}

// relay forwards a verified event to the subscribers of the owner linked to
// its item_id. Events for unknown items are acknowledged and dropped.
func (s *Server) relay(ctx context.Context, provider string, ev webhookverify.VerifiedEvent) error {
	itemID, _ := ev.Payload["item_id"].(string)
	webhookType, _ := ev.Payload["webhook_type"].(string)
	webhookCode, _ := ev.Payload["webhook_code"].(string)
	log := s.log.With(slog.String("provider", provider), slog.String("kid", ev.KeyID), slog.String("item_id", itemID))

	if itemID == "" || webhookType == "" || webhookCode == "" {
		log.Warn("inbound webhook missing routing fields")
		return nil
	}
	owner, err := s.deps.Store.OwnerForExternalID(ctx, provider, itemID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("inbound webhook for unlinked item")
		return nil
	}
	if err != nil {
		return err
	}
	if s.deps.Fanout == nil {
		return nil
	}
	event := InboundEventName(provider, webhookType, webhookCode)
	n, err := s.deps.Fanout.Enqueue(ctx, owner, event, ev.Raw)
	if err != nil {
		return err
	}
	log.Info("inbound webhook relayed", slog.String("event", event), slog.Int("deliveries", n))
	return nil
}
