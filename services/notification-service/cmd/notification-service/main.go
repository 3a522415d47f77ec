package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cnvidas/payments/libs/config"
	"github.com/cnvidas/payments/libs/db"
	"github.com/cnvidas/payments/libs/httpx"
	"github.com/cnvidas/payments/libs/kafkax"
	otelx "github.com/cnvidas/payments/libs/otel"
	"github.com/cnvidas/payments/libs/runtime"
	"github.com/cnvidas/payments/services/notification-service/internal/consumer"
	"github.com/cnvidas/payments/services/notification-service/internal/delivery"
	"github.com/cnvidas/payments/services/notification-service/internal/email"
	"github.com/cnvidas/payments/services/notification-service/internal/inbox"
	"github.com/cnvidas/payments/services/notification-service/internal/sms"
	"github.com/cnvidas/payments/services/notification-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	deliveriesRepo := storage.NewRepository(pool)

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@cnvidas.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)

	smsProvider := strings.ToLower(config.String("SMS_PROVIDER", "noop"))
	var smsSender sms.Sender
	switch smsProvider {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topics: []string{
			delivery.EventCaptureSucceeded,
			delivery.EventCaptureFailed,
			delivery.EventHoldReleased,
		},
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, eventType string, msg kafka.Message) error {
		evt, err := delivery.Parse(msg.Value)
		if err != nil {
			// Malformed payloads never become valid on retry; drop them.
			logger.Error("invalid payment event payload", "err", err, "topic", msg.Topic)
			return nil
		}

		sendEmail(ctx, logger, deliveriesRepo, emailSender, eventType, msg, evt)
		sendSMS(ctx, logger, deliveriesRepo, smsSender, eventType, msg, evt)
		return nil
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func sendEmail(ctx context.Context, logger *slog.Logger, repo *storage.Repository, sender email.Sender, eventType string, msg kafka.Message, evt delivery.PaymentEvent) {
	meta := kafkax.ExtractEventMeta(msg)
	d := storage.Delivery{
		EventID:       meta.EventID,
		EventType:     eventType,
		AppointmentID: evt.AppointmentID,
		Channel:       "email",
		Recipient:     evt.PatientEmail,
	}

	switch {
	case strings.TrimSpace(evt.PatientEmail) == "":
		d.Status = storage.DeliveryStatusSkipped
		d.ErrorReason = "no email on file"
	default:
		rendered, err := delivery.RenderEmail(eventType, evt)
		if err != nil {
			d.Status = storage.DeliveryStatusSkipped
			d.ErrorReason = err.Error()
		} else if err := sender.Send(evt.PatientEmail, rendered.Subject, rendered.Body); err != nil {
			d.Status = storage.DeliveryStatusFailed
			d.ErrorReason = err.Error()
			logger.Error("email send failed", "err", err, "appointment_id", evt.AppointmentID)
		} else {
			d.Status = storage.DeliveryStatusSent
			d.ProviderID = "smtp"
		}
	}

	if err := repo.Insert(ctx, d); err != nil {
		logger.Error("failed to persist email delivery", "err", err, "appointment_id", evt.AppointmentID)
	}
}

func sendSMS(ctx context.Context, logger *slog.Logger, repo *storage.Repository, sender sms.Sender, eventType string, msg kafka.Message, evt delivery.PaymentEvent) {
	meta := kafkax.ExtractEventMeta(msg)
	d := storage.Delivery{
		EventID:       meta.EventID,
		EventType:     eventType,
		AppointmentID: evt.AppointmentID,
		Channel:       "sms",
		Recipient:     evt.PatientPhone,
	}

	switch {
	case strings.TrimSpace(evt.PatientPhone) == "":
		d.Status = storage.DeliveryStatusSkipped
		d.ErrorReason = "no phone on file"
	default:
		body, err := delivery.RenderSMS(eventType, evt)
		if err != nil {
			d.Status = storage.DeliveryStatusSkipped
			d.ErrorReason = err.Error()
		} else if err := sender.Send(ctx, evt.PatientPhone, body); err != nil {
			d.Status = storage.DeliveryStatusFailed
			d.ErrorReason = err.Error()
			logger.Error("sms send failed", "err", err, "appointment_id", evt.AppointmentID)
		} else {
			d.Status = storage.DeliveryStatusSent
			d.ProviderID = sender.ProviderID()
		}
	}

	if err := repo.Insert(ctx, d); err != nil {
		logger.Error("failed to persist sms delivery", "err", err, "appointment_id", evt.AppointmentID)
	}
}
