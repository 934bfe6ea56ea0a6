// Package pinpoint delivers OTP text messages through AWS Pinpoint.
package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/propdesk/otpd/pkg/models"
)

const (
	providerID    = "pinpoint"
	maxAddressLen = 16
	maxBodyLen    = 140
)

var reNum = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// sender is the part of the Pinpoint client that's used.
type sender interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// SMS implements the AWS Pinpoint SMS provider.
type SMS struct {
	cfg Config
	p   sender
}

// Config is the Pinpoint application and SMS configuration.
type Config struct {
	ApplicationID    string        `json:"application_id"`
	AccessKey        string        `json:"access_key"`
	SecretKey        string        `json:"secret_key"`
	Region           string        `json:"region"`
	SMSSenderID      string        `json:"sms_sender_id"`
	SMSMessageType   string        `json:"sms_message_type"`
	SMSEntityID      string        `json:"sms_entity_id"`
	SMSTemplateID    string        `json:"sms_template_id"`
	DefaultPhoneCode string        `json:"default_phone_code"`
	Timeout          time.Duration `json:"timeout"`
}

// NewSMS returns a Pinpoint SMS provider. Static credentials are used when
// access_key and secret_key are set, otherwise the default AWS credential
// chain applies.
func NewSMS(ctx context.Context, cfg Config) (*SMS, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &SMS{cfg: cfg, p: pinpoint.NewFromConfig(awsCfg)}, nil
}

func (c *Config) validate() error {
	if c.ApplicationID == "" {
		return errors.New("invalid application_id")
	}
	if c.Region == "" {
		return errors.New("invalid region")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access_key and secret_key must be set together")
	}

	if c.SMSMessageType == "" {
		c.SMSMessageType = string(types.MessageTypeTransactional)
	}
	if c.SMSMessageType != string(types.MessageTypeTransactional) && c.SMSMessageType != string(types.MessageTypePromotional) {
		return errors.New("invalid sms_message_type: must be TRANSACTIONAL or PROMOTIONAL")
	}
	return nil
}

// ID returns the Provider's ID.
func (p *SMS) ID() string {
	return providerID
}

// Channel returns models.ChannelSMS.
func (p *SMS) Channel() models.Channel {
	return models.ChannelSMS
}

// ValidateAddress "validates" a phone number.
func (p *SMS) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push sends a text message and checks the per-address delivery result.
func (p *SMS) Push(ctx context.Context, to, subject string, body []byte) error {
	to = p.sanitizePhone(to)

	sms := &types.SMSMessage{
		Body:        aws.String(string(body)),
		MessageType: types.MessageType(p.cfg.SMSMessageType),
	}
	if p.cfg.SMSSenderID != "" {
		sms.SenderId = aws.String(p.cfg.SMSSenderID)
	}
	if p.cfg.SMSEntityID != "" {
		sms.EntityId = aws.String(p.cfg.SMSEntityID)
	}
	if p.cfg.SMSTemplateID != "" {
		sms.TemplateId = aws.String(p.cfg.SMSTemplateID)
	}

	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				to: {ChannelType: types.ChannelTypeSms},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{SMSMessage: sms},
		},
	})
	if err != nil {
		return err
	}

	if out.MessageResponse == nil {
		return nil
	}
	res, ok := out.MessageResponse.Result[to]
	if !ok || res.DeliveryStatus == types.DeliveryStatusSuccessful {
		return nil
	}
	return fmt.Errorf("pinpoint delivery %s: %s", res.DeliveryStatus, aws.ToString(res.StatusMessage))
}

// MaxAddressLen returns the maximum allowed length for the mobile number.
func (p *SMS) MaxAddressLen() int {
	return maxAddressLen
}

// MaxBodyLen returns the max permitted body size.
func (p *SMS) MaxBodyLen() int {
	return maxBodyLen
}

func (p *SMS) sanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)

	if strings.HasPrefix(phone, "+") {
		return phone
	} else if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}

	return p.cfg.DefaultPhoneCode + phone
}
