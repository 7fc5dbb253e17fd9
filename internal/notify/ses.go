package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
)

// SESDeliverer renders a message and sends it through SES v2.
type SESDeliverer struct {
	client   aws.SESAPI
	from     string
	renderer *Renderer
}

var _ Deliverer = (*SESDeliverer)(nil)

func NewSESDeliverer(client aws.SESAPI, from string, renderer *Renderer) *SESDeliverer {
	return &SESDeliverer{client: client, from: from, renderer: renderer}
}

func (d *SESDeliverer) Deliver(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("message %s has no recipient", msg.DedupKey)
	}
	r, err := d.renderer.Render(msg)
	if err != nil {
		return err
	}
	charset := aws.String("UTF-8")
	_, err = d.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.from),
		Destination:      &sestypes.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(r.Subject), Charset: charset},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(r.HTML), Charset: charset},
					Text: &sestypes.Content{Data: aws.String(r.Text), Charset: charset},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send email %s: %w", msg.DedupKey, err)
	}
	return nil
}
