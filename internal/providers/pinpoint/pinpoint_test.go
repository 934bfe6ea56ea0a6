package pinpoint

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	in  *pinpoint.SendMessagesInput
	res types.MessageResult
}

func (f *fakeClient) SendMessages(_ context.Context, in *pinpoint.SendMessagesInput, _ ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error) {
	f.in = in

	var to string
	for k := range in.MessageRequest.Addresses {
		to = k
	}
	return &pinpoint.SendMessagesOutput{
		MessageResponse: &types.MessageResponse{
			Result: map[string]types.MessageResult{to: f.res},
		},
	}, nil
}

func newTestSMS(f *fakeClient) *SMS {
	cfg := Config{ApplicationID: "app-1", Region: "us-east-1", DefaultPhoneCode: "+1", SMSSenderID: "PROPDESK"}
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return &SMS{cfg: cfg, p: f}
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{Region: "us-east-1"}).validate())
	assert.Error(t, (&Config{ApplicationID: "a"}).validate())
	assert.Error(t, (&Config{ApplicationID: "a", Region: "r", AccessKey: "k"}).validate())
	assert.Error(t, (&Config{ApplicationID: "a", Region: "r", SMSMessageType: "BULK"}).validate())

	c := Config{ApplicationID: "a", Region: "r"}
	require.NoError(t, c.validate())
	assert.Equal(t, "TRANSACTIONAL", c.SMSMessageType)
}

func TestPush(t *testing.T) {
	f := &fakeClient{res: types.MessageResult{DeliveryStatus: types.DeliveryStatusSuccessful}}
	p := newTestSMS(f)

	require.NoError(t, p.Push(context.Background(), "5551234567", "", []byte("Your OTP is 123456.")))
	assert.Equal(t, "app-1", aws.ToString(f.in.ApplicationId))
	assert.Contains(t, f.in.MessageRequest.Addresses, "+15551234567")

	sms := f.in.MessageRequest.MessageConfiguration.SMSMessage
	assert.Equal(t, "Your OTP is 123456.", aws.ToString(sms.Body))
	assert.Equal(t, "PROPDESK", aws.ToString(sms.SenderId))
	assert.Nil(t, sms.TemplateId)
}

func TestPushDeliveryFailure(t *testing.T) {
	f := &fakeClient{res: types.MessageResult{
		DeliveryStatus: types.DeliveryStatusPermanentFailure,
		StatusMessage:  aws.String("unreachable"),
	}}
	err := newTestSMS(f).Push(context.Background(), "+15551234567", "", []byte("x"))
	assert.ErrorContains(t, err, "unreachable")
}

func TestSanitizePhone(t *testing.T) {
	p := newTestSMS(&fakeClient{})
	assert.Equal(t, "+15551234567", p.sanitizePhone(" +15551234567 "))
	assert.Equal(t, "+445551234567", p.sanitizePhone("00445551234567"))
	assert.Equal(t, "+15551234567", p.sanitizePhone("5551234567"))

	assert.NoError(t, p.ValidateAddress("+15551234567"))
	assert.Error(t, p.ValidateAddress("555-1234"))
}
