package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	metadataUserID        = "user_id"
	metadataUnits         = "units"
)

// handleStripeWebhook turns paid checkout sessions into purchase grants keyed
// by the checkout session id, so redelivered events credit once.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse(quota.KindInvalidRequest.String(), "payload too large"))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, ctx.GetHeader(stripeSignatureHeader), handler.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		handler.logger.Warn("stripe signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "invalid signature"))
		return
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "invalid checkout session"))
		return
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		handler.logger.Info("checkout session not paid yet", zap.String("session_id", session.ID), zap.String("payment_status", string(session.PaymentStatus)))
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	order, err := purchaseFromSession(event, session)
	if err != nil {
		handler.logger.Warn("checkout session rejected", zap.String("session_id", session.ID), zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), quota.KindInvalidRequest.Message()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Grant(requestCtx, order.userID, order.units.Signed(), quota.EntryPurchase, &order.reference, order.metadata)
	if err != nil {
		handler.respondError(ctx, "stripe purchase", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received":    true,
		"replayed":    result.Replayed,
		"new_balance": result.NewBalance.Int64(),
	})
}

type purchase struct {
	userID    quota.UserID
	units     quota.Units
	reference quota.ExternalReference
	metadata  quota.MetadataJSON
}

func purchaseFromSession(event stripe.Event, session stripe.CheckoutSession) (purchase, error) {
	rawUserID := session.Metadata[metadataUserID]
	if strings.TrimSpace(rawUserID) == "" {
		rawUserID = session.ClientReferenceID
	}
	userID, err := quota.NewUserID(rawUserID)
	if err != nil {
		return purchase{}, err
	}
	rawUnits, err := strconv.ParseInt(strings.TrimSpace(session.Metadata[metadataUnits]), 10, 64)
	if err != nil {
		return purchase{}, fmt.Errorf("%w: units metadata %q", quota.ErrInvalidUnits, session.Metadata[metadataUnits])
	}
	units, err := quota.NewPositiveUnits(rawUnits)
	if err != nil {
		return purchase{}, err
	}
	reference, err := quota.NewExternalReference(session.ID)
	if err != nil {
		return purchase{}, err
	}
	rawMetadata, err := json.Marshal(map[string]any{
		"source":       "stripe",
		"event_id":     event.ID,
		"amount_total": session.AmountTotal,
		"currency":     string(session.Currency),
	})
	if err != nil {
		return purchase{}, err
	}
	metadata, err := quota.NewMetadataJSON(string(rawMetadata))
	if err != nil {
		return purchase{}, err
	}
	return purchase{userID: userID, units: units, reference: reference, metadata: metadata}, nil
}
