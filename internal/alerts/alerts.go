// Package alerts notifies a human operator of conditions the gateway
// cannot resolve on its own: poisoned events, suspected chargebacks,
// and outbox rows that exhausted their retry budget.
package alerts

import (
	"errors"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"github.com/stablegate/stablegate/build"
)

var log = build.AddSubLogger("ALRT")

// ErrCouldNotSendAlert means the HTTP request to send an alert email did
// not get a success status code.
var ErrCouldNotSendAlert = errors.New("could not send operator alert")

// Sender delivers the three operator-facing conditions: an invariant
// violation that quarantined an event, a reorg that dropped a
// previously-CONFIRMED invoice's confirmations, and an outbox row that
// reached DEAD after exhausting its retry budget.
type Sender interface {
	SendPoisonedEvent(source, reason string) error
	SendChargebackSuspected(invoiceID, intentID string) error
	SendOutboxDead(recordID, kind, lastError string) error
}

var _ Sender = SendGridSender{}

// NewSendGridSender creates a new SendGrid-backed operator alert sender.
func NewSendGridSender(key, operatorEmail string) SendGridSender {
	log.WithField("operatorEmail", operatorEmail).Info("creating new SendGrid alert sender")
	return SendGridSender{
		client:        sendgrid.NewSendClient(key),
		operatorEmail: operatorEmail,
	}
}

// SendGridSender sends operator alerts through the SendGrid API.
type SendGridSender struct {
	client        *sendgrid.Client
	operatorEmail string
}

// SendPoisonedEvent alerts on an event that aborted its transaction and
// was quarantined to poison_events.
func (s SendGridSender) SendPoisonedEvent(source, reason string) error {
	subject := "stablegate: event quarantined"
	body := fmt.Sprintf("An event from %q was quarantined after an invariant violation: %s", source, reason)
	return s.send(subject, body, logrus.Fields{"source": source})
}

// SendChargebackSuspected alerts when a reorg dropped a previously
// CONFIRMED invoice's funding transfers below the confirmation
// threshold. Observability only - the merchant has already been
// notified.
func (s SendGridSender) SendChargebackSuspected(invoiceID, intentID string) error {
	subject := "stablegate: chargeback suspected"
	body := fmt.Sprintf("Invoice %s (intent %s) was CONFIRMED but a chain reorg has dropped its funding transfer's confirmations below threshold.", invoiceID, intentID)
	return s.send(subject, body, logrus.Fields{"invoiceId": invoiceID, "intentId": intentID})
}

// SendOutboxDead alerts when an outbox row exhausted its retry budget
// and moved to DEAD.
func (s SendGridSender) SendOutboxDead(recordID, kind, lastError string) error {
	subject := "stablegate: outbox record DEAD"
	body := fmt.Sprintf("Outbox record %s (kind %s) reached DEAD after exhausting its retry budget. Last error: %s", recordID, kind, lastError)
	return s.send(subject, body, logrus.Fields{"recordId": recordID, "kind": kind})
}

func (s SendGridSender) send(subject, body string, fields logrus.Fields) error {
	from := mail.NewEmail("stablegate", "alerts@stablegate.io")
	to := mail.NewEmail("Operator", s.operatorEmail)
	message := mail.NewSingleEmail(from, subject, to, body, "")

	log.WithFields(fields).Warn(subject)

	response, err := s.doSend(message)
	if err != nil {
		return err
	}
	log.WithFields(fields).WithField("status", response.StatusCode).Info("sent operator alert")
	return nil
}

func (s SendGridSender) doSend(email *mail.SGMailV3) (*rest.Response, error) {
	response, err := s.client.Send(email)
	if err != nil {
		log.WithError(err).Error("could not send operator alert")
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		log.WithFields(logrus.Fields{
			"status": response.StatusCode,
			"body":   response.Body,
		}).Error("got error status sending operator alert")
		return nil, fmt.Errorf("%w: %s", ErrCouldNotSendAlert, response.Body)
	}
	return response, nil
}
