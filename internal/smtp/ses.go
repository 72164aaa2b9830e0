package smtp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"mailcode/backend/internal/config"
)

// SendEmailAPI 是 SES v2 SendEmail 操作的最小接口，测试时替换为桩实现
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESRelay 通过 AWS SES v2 发信
//
// SES 使用 IAM 凭据鉴权，Send 的 creds 参数被忽略；发件地址需要在 SES 中完成验证。
type SESRelay struct {
	client SendEmailAPI
	log    *zap.Logger
	now    func() time.Time
}

// NewSESRelay 按配置创建 SES 客户端，未配置静态密钥时走默认凭据链
func NewSESRelay(ctx context.Context, cfg config.SESConfig, log *zap.Logger) (*SESRelay, error) {
	if cfg.Region == "" {
		return nil, errors.New("ses region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESRelayWithClient(sesv2.NewFromConfig(awsCfg), log), nil
}

// NewSESRelayWithClient 使用给定客户端创建 SESRelay
func NewSESRelayWithClient(client SendEmailAPI, log *zap.Logger) *SESRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESRelay{client: client, log: log, now: time.Now}
}

// Name 返回中继名称
func (s *SESRelay) Name() string { return "ses" }

// Send 以原始 MIME 格式提交邮件
func (s *SESRelay) Send(ctx context.Context, _ Credentials, msg *Message) error {
	from, to, err := envelope(msg)
	if err != nil {
		return err
	}
	raw, err := Compose(msg, s.now())
	if err != nil {
		return err
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	s.log.Info("email sent via ses",
		zap.String("from", from),
		zap.Int("recipients", len(to)),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
