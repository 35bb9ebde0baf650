package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SESService and SNSService mirror the AWS client methods the channels use,
// so tests can substitute fakes.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ContactResolver maps an opaque party id to reachable contact points.
type ContactResolver interface {
	Contact(ctx context.Context, partyID string) (email, phone string, err error)
}

// PostgresContactResolver looks contacts up in the parties table.
type PostgresContactResolver struct {
	DB *sql.DB
}

func (r *PostgresContactResolver) Contact(ctx context.Context, partyID string) (string, string, error) {
	var email, phone sql.NullString
	query := `SELECT email, phone FROM parties WHERE id = $1`
	if err := r.DB.QueryRowContext(ctx, query, partyID).Scan(&email, &phone); err != nil {
		return "", "", fmt.Errorf("lookup contact for %s: %w", partyID, err)
	}
	return email.String, phone.String, nil
}

// SMSChannel delivers via SNS.
type SMSChannel struct {
	client   SNSService
	resolver ContactResolver
	senderID string
}

func NewSMSChannel(client SNSService, resolver ContactResolver, senderID string) *SMSChannel {
	return &SMSChannel{client: client, resolver: resolver, senderID: senderID}
}

func (c *SMSChannel) Notify(ctx context.Context, partyID string, event EventType, payload Payload) error {
	_, phone, err := c.resolver.Contact(ctx, partyID)
	if err != nil {
		return fmt.Errorf("resolve contact for %s: %w", partyID, err)
	}
	if phone == "" {
		return fmt.Errorf("party %s has no phone number", partyID)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(renderMessage(event, payload)),
	}
	if _, err := c.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// EmailChannel delivers via SES.
type EmailChannel struct {
	client    SESService
	resolver  ContactResolver
	fromEmail string
}

func NewEmailChannel(client SESService, resolver ContactResolver, fromEmail string) *EmailChannel {
	return &EmailChannel{client: client, resolver: resolver, fromEmail: fromEmail}
}

func (c *EmailChannel) Notify(ctx context.Context, partyID string, event EventType, payload Payload) error {
	email, _, err := c.resolver.Contact(ctx, partyID)
	if err != nil {
		return fmt.Errorf("resolve contact for %s: %w", partyID, err)
	}
	if email == "" {
		return fmt.Errorf("party %s has no email address", partyID)
	}

	body, _ := json.MarshalIndent(payload, "", "  ")
	input := &ses.SendEmailInput{
		Source: aws.String(c.fromEmail),
		Destination: &sestypes.Destination{
			ToAddresses: []string{email},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data: aws.String(renderMessage(event, payload)),
			},
			Body: &sestypes.Body{
				Text: &sestypes.Content{
					Data: aws.String(string(body)),
				},
			},
		},
	}
	if _, err := c.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send email: %w", err)
	}
	return nil
}

func renderMessage(event EventType, payload Payload) string {
	switch event {
	case EventJobAccepted:
		return fmt.Sprintf("Your booking %s has been accepted.", payload.JobID)
	case EventTravelStarted:
		return fmt.Sprintf("Your provider is on the way for booking %s.", payload.JobID)
	case EventDelayReported:
		return fmt.Sprintf("Your provider is running about %d minutes late for booking %s.", payload.DelayMinutes, payload.JobID)
	case EventWorkStarted:
		return fmt.Sprintf("Work has started on booking %s.", payload.JobID)
	case EventJobCompleted:
		return fmt.Sprintf("Booking %s is complete.", payload.JobID)
	case EventJobCancelled:
		if payload.Reason != "" {
			return fmt.Sprintf("Booking %s was cancelled: %s", payload.JobID, payload.Reason)
		}
		return fmt.Sprintf("Booking %s was cancelled.", payload.JobID)
	default:
		return fmt.Sprintf("Update for booking %s.", payload.JobID)
	}
}
