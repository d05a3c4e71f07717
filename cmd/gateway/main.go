// API Gatewayのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、トークン検証とレート制限を行ったうえで
// リクエストを内部サービスに転送する。
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/nao1215/archgate/internal/config"
	"github.com/spf13/cobra"
)

// Version はビルド時に -ldflags で埋め込まれるバージョン。
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd はgatewayコマンドを生成する。サブコマンドを省略した場合はサーバーを起動する。
func newRootCmd() *cobra.Command {
	var o config.Overrides

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "API Gateway: 認証・レート制限・内部サービスへの転送",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o)
			if err != nil {
				return fmt.Errorf("設定の読み込みに失敗: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&o.Port, "port", "", "リッスンポート（PORTより優先）")
	cmd.PersistentFlags().StringVar(&o.RoutesFile, "routes-file", "", "ルート定義YAMLファイル（ROUTES_FILEより優先）")
	cmd.PersistentFlags().StringVar(&o.LogLevel, "log-level", "", "ログレベル（LOG_LEVELより優先）")

	cmd.AddCommand(newRoutesCmd(&o))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// newRoutesCmd は解決済みのルート一覧を表示するコマンドを生成する。
// AUTH_PUBLIC_KEY_URL が未設定でも実行できる。
func newRoutesCmd(o *config.Overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "サービス名と転送先URLの一覧を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRoutes(*o)
			if err != nil {
				return fmt.Errorf("設定の読み込みに失敗: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tURL")
			for _, name := range cfg.ServiceList() {
				fmt.Fprintf(w, "%s\t%s\n", name, cfg.Services[name])
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "バージョンを表示する",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gateway %s\n", Version)
		},
	}
}
