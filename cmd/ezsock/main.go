package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/server"
	"github.com/easzlab/ezsock/pkg/sockaddr"
	"github.com/easzlab/ezsock/pkg/socklb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezsock",
		Short: "ezsock - socket level service load balancer",
		Long:  "Translates service addresses to backends at socket level (connect, sendmsg, recvmsg, getpeername, bind) with a declarative service directory.",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezsock/ezsock.yaml", "path to config file")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newTranslateCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Sync the service directory once, print it and exit",
		RunE:  runOnce,
	}
}

type translateOptions struct {
	hook     string
	protocol string
	dst      string
	cookie   uint64
	netns    uint64
	mark     uint32
}

func newTranslateCommand() *cobra.Command {
	opts := &translateOptions{}
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Run a single socket hook against the configured services",
		Example: "  ezsock translate --hook connect --dst 10.0.0.1:80\n" +
			"  ezsock translate --hook post_bind --proto udp --dst 0.0.0.0:30053",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.hook, "hook", "connect", "hook to run (connect, sendmsg, recvmsg, getpeername, bind, post_bind)")
	cmd.Flags().StringVar(&opts.protocol, "proto", "tcp", "socket protocol (tcp, udp, udplite)")
	cmd.Flags().StringVar(&opts.dst, "dst", "", "address:port passed to the hook")
	cmd.Flags().Uint64Var(&opts.cookie, "cookie", 1, "socket cookie")
	cmd.Flags().Uint64Var(&opts.netns, "netns", 0, "network namespace cookie of the socket, 0 for the host")
	cmd.Flags().Uint32Var(&opts.mark, "mark", 0, "socket mark")
	_ = cmd.MarkFlagRequired("dst")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezsock version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	logger, level := newLogger("stdout")
	defer logger.Sync()

	logger.Info("starting ezsock",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := newServer(logger, level)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce syncs the service directory, prints it and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	logger, level := newLogger("stderr")
	defer logger.Sync()

	logger.Info("running single sync",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := newServer(logger, level)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	if err := srv.Sync(); err != nil {
		return err
	}
	return srv.WriteDirectory(cmd.OutOrStdout())
}

// runTranslate syncs the service directory and runs one hook on the given address.
func runTranslate(cmd *cobra.Command, opts *translateOptions) error {
	hook, err := socklb.ParseHook(opts.hook)
	if err != nil {
		return err
	}
	protocol, err := lbmap.ProtocolFromString(opts.protocol)
	if err != nil {
		return err
	}
	dst, err := netip.ParseAddrPort(opts.dst)
	if err != nil {
		return fmt.Errorf("invalid --dst %q: %w", opts.dst, err)
	}

	logger, level := newLogger("stderr")
	defer logger.Sync()

	srv, err := newServer(logger, level)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	if err := srv.Sync(); err != nil {
		return err
	}

	sa := &socklb.SockAddr{
		Family:   sockaddr.FamilyOf(dst.Addr()),
		Protocol: protocol,
		Addr:     dst.Addr(),
		Port:     dst.Port(),
		Socket: socklb.Socket{
			Cookie:      opts.cookie,
			NetnsCookie: opts.netns,
			Mark:        opts.mark,
		},
	}

	verdict, err := srv.Translate(hook, sa)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s -> %s (%s, %s)\n",
		hook, protocol, dst, netip.AddrPortFrom(sa.Addr, sa.Port), verdict, socklb.Reason(err))
	return nil
}

// newServer creates the server and applies the configured log level.
func newServer(logger *zap.Logger, level zap.AtomicLevel) (*server.Server, error) {
	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return nil, err
	}
	if err := level.UnmarshalText([]byte(srv.Config().Global.LogLevel)); err != nil {
		logger.Warn("ignoring invalid log level", zap.Error(err))
	}
	return srv, nil
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger(output string) (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger, level
}
