package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	jwtpkg "mailcode/backend/internal/auth/jwt"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/extractor"
	"mailcode/backend/internal/tasks"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd 构建命令树，配置在子命令执行时才加载
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailcodectl",
		Short: "mailcode 运维命令行工具",
		Long: `mailcodectl 直接使用服务端的存储、目录与 IMAP 配置（MAILCODE_* 环境变量或 .env），
在不经过任务调度器的情况下执行一次对账、清理或轮询。`,
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(newTokenCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newCleanupCmd())
	root.AddCommand(newPollCmd())
	root.AddCommand(newExtractCmd())
	return root
}

func newTokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发管理接口使用的 JWT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
			token, expiresAt, err := manager.Issue(subject)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "令牌主体，记录在管理操作日志中")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "执行一次目录对账并刷新统计",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			err = rt.handlers.Sync(cmd.Context(), tasks.SyncTask{})
			if result := rt.stats.LastSync(); result != nil {
				if encErr := printJSON(cmd, result); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "删除已过期的邮箱及其验证码",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.handlers.Cleanup(cmd.Context(), tasks.CleanupTask{}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleanup finished")
			return nil
		},
	}
}

func newPollCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "poll <address>",
		Short: "轮询一个邮箱并打印提取到的验证码",
		Long: `poll 登录邮箱拉取最近的未读邮件并逐封提取验证码。
注意：拉取到的邮件会在服务器上被标记为已读，默认同时把验证码写入存储。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			address := domain.NormalizeAddress(args[0])
			mb, err := rt.store.GetMailboxByAddress(ctx, address)
			if err != nil {
				return fmt.Errorf("load mailbox %s: %w", address, err)
			}
			credential, err := rt.cipher.Open(mb.Credential)
			if err != nil {
				return fmt.Errorf("open credential: %w", err)
			}

			messages, err := rt.poller.Poll(ctx, address, credential)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d message(s)\n", len(messages))
			for _, msg := range messages {
				code, ok := rt.extractor.Extract(msg.Text())
				if !ok {
					code = "-"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", msg.MessageID, code, msg.Sender, msg.Subject)
				if ok && save {
					if err := rt.handlers.Extract(ctx, tasks.ExtractTask{Address: address, Message: msg}); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", true, "把提取到的验证码写入存储")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "extract <text>",
		Short: "对一段文本运行验证码提取",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			ex := extractor.New()
			out := cmd.OutOrStdout()

			if all {
				for _, c := range ex.Candidates(text) {
					fmt.Fprintln(out, c)
				}
				return nil
			}
			code, ok := ex.Extract(text)
			if !ok {
				return fmt.Errorf("no verification code found")
			}
			fmt.Fprintln(out, code)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "打印全部候选码而不是最终结果")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
