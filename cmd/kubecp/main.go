package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/guseggert/kubecp/cp"
	"github.com/guseggert/kubecp/execserver"
	"github.com/guseggert/kubecp/internal/tlsutil"
	"github.com/guseggert/kubecp/remotecmd"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "kubecp",
		Usage: "copy files to and from containers over the exec endpoint",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging.",
				EnvVars: []string{"KUBECP_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			cpCommand(),
			serveCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !c.Bool("debug") {
		l = l.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return l, nil
}

func readOptionalFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

func cpCommand() *cli.Command {
	return &cli.Command{
		Name:      "cp",
		Usage:     "copy a file or directory to or from a container",
		ArgsUsage: "<src> <dst>, where the container side is [namespace/]pod:path",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Usage:    "Base URL of the API server, e.g. https://127.0.0.1:6443.",
				EnvVars:  []string{"KUBECP_SERVER"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "namespace",
				Aliases: []string{"n"},
				Usage:   "Namespace used when the path does not name one.",
				EnvVars: []string{"KUBECP_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "container",
				Aliases: []string{"c"},
				Usage:   "Container name.",
				EnvVars: []string{"KUBECP_CONTAINER"},
			},
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "Directory in the container that relative remote paths are resolved against.",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token sent with the upgrade request.",
				EnvVars: []string{"KUBECP_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "ca-cert",
				Usage:   "Path to the CA cert PEM used to verify the server.",
				EnvVars: []string{"KUBECP_CA_CERT"},
			},
			&cli.StringFlag{
				Name:    "client-cert",
				Usage:   "Path to the client cert PEM.",
				EnvVars: []string{"KUBECP_CLIENT_CERT"},
			},
			&cli.StringFlag{
				Name:    "client-key",
				Usage:   "Path to the client key PEM.",
				EnvVars: []string{"KUBECP_CLIENT_KEY"},
			},
			&cli.BoolFlag{
				Name:  "insecure-skip-verify",
				Usage: "Skip verifying the server cert.",
			},
			&cli.BoolFlag{
				Name:  "allow-unconfirmed",
				Usage: "Accept uploads to servers that cannot report a result (v4.channel.k8s.io).",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long. Zero means no timeout.",
			},
		},
		Action: runCopy,
	}
}

func runCopy(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("expected exactly two arguments, <src> and <dst>")
	}
	namespace := c.String("namespace")
	src, err := parseFileRef(c.Args().Get(0), namespace)
	if err != nil {
		return fmt.Errorf("parsing src: %w", err)
	}
	dst, err := parseFileRef(c.Args().Get(1), namespace)
	if err != nil {
		return fmt.Errorf("parsing dst: %w", err)
	}
	if src.Remote() == dst.Remote() {
		return errors.New("exactly one of src and dst must be a container path")
	}

	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tlsConfig, err := clientTLSConfig(c)
	if err != nil {
		return err
	}
	dialer := &remotecmd.WebSocketDialer{
		HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		Logger:     logger.Named("dialer").Sugar(),
	}
	if token := c.String("token"); token != "" {
		dialer.Header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	copier := cp.NewCopier(c.String("server"), dialer, cp.WithLogger(logger.Sugar()))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if d := c.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var opts []cp.CopyOption
	if cwd := c.String("cwd"); cwd != "" {
		opts = append(opts, cp.WithCwd(cwd))
	}
	if c.Bool("allow-unconfirmed") {
		opts = append(opts, cp.AllowUnconfirmed())
	}
	container := c.String("container")
	if src.Remote() {
		t := cp.Target{Namespace: src.Namespace, Pod: src.Pod, Container: container}
		return copier.FromPod(ctx, t, src.Path, dst.Path, opts...)
	}
	t := cp.Target{Namespace: dst.Namespace, Pod: dst.Pod, Container: container}
	return copier.ToPod(ctx, t, src.Path, dst.Path, opts...)
}

func clientTLSConfig(c *cli.Context) (*tls.Config, error) {
	caCertPEM, err := readOptionalFile(c.String("ca-cert"))
	if err != nil {
		return nil, err
	}
	certPEM, err := readOptionalFile(c.String("client-cert"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := readOptionalFile(c.String("client-key"))
	if err != nil {
		return nil, err
	}
	cfg, err := tlsutil.ClientTLSConfig(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}
	cfg.InsecureSkipVerify = c.Bool("insecure-skip-verify")
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the exec endpoint, running commands as local processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				EnvVars: []string{"KUBECP_LISTEN_ADDR"},
				Value:   "127.0.0.1:8080",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Working directory for the commands.",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Path to the server cert PEM. Serves plain HTTP if unset.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Path to the server key PEM.",
			},
			&cli.StringFlag{
				Name:  "client-ca",
				Usage: "Path to a CA cert PEM. If set, clients must present a cert signed by it.",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []execserver.Option{
		execserver.WithLogger(logger),
		execserver.WithListenAddr(c.String("listen-addr")),
		execserver.WithDir(c.String("dir")),
	}
	if c.String("tls-cert") != "" {
		certPEM, err := readOptionalFile(c.String("tls-cert"))
		if err != nil {
			return err
		}
		keyPEM, err := readOptionalFile(c.String("tls-key"))
		if err != nil {
			return err
		}
		clientCAPEM, err := readOptionalFile(c.String("client-ca"))
		if err != nil {
			return err
		}
		cfg, err := tlsutil.ServerTLSConfig(certPEM, keyPEM, clientCAPEM)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		opts = append(opts, execserver.WithTLSConfig(cfg))
	}

	srv := execserver.New(opts...)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return srv.Serve()
}
