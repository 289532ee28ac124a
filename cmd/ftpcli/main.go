// Command ftpcli is a small FTP client built on the ftpsession pool.
//
//	ftpcli --host ftp.example.com --user alice ls /pub
//	ftpcli --config ftp.yaml get a.txt b.txt
//	FTP_TLS_MODE=explicit ftpcli --host files.example.com put report.pdf
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	ftp "github.com/gonzalop/ftpsession"
	"github.com/gonzalop/ftpsession/config"
	"github.com/gonzalop/ftpsession/logging"
)

const usage = `usage: ftpcli [flags] <command> [args]

commands:
  ls [dir]               list a directory
  pwd                    print the working directory
  get <remote>...        download files into the current directory
  put <local>...         upload files into the remote working directory
  mkdir <dir>            create a directory
  rmdir <dir>            remove a directory
  rm <file>              delete a file
  mv <from> <to>         rename
  chmod <mode> <path>    change permissions (octal mode)
  walk [root]            print every path below root

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ftpcli:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	v := config.New()

	flags := pflag.NewFlagSet("ftpcli", pflag.ContinueOnError)
	flags.SetOutput(stdout)
	flags.Usage = func() {
		fmt.Fprint(stdout, usage)
		flags.PrintDefaults()
	}
	configFile := flags.StringP("config", "c", "", "YAML configuration file")
	dir := flags.StringP("dir", "d", "", "remote directory to change to first")
	flags.String("host", "", "server host")
	flags.Int("port", 0, "server port (default 21, 990 for implicit TLS)")
	flags.StringP("user", "u", "", "user name")
	flags.StringP("password", "p", "", "password")
	flags.String("tls", "", "none, explicit or implicit")
	flags.String("validation", "", "accept-all, accept-only-valid or ask-caller")
	flags.Int("parallel", 0, "concurrent transfers for get and put")
	flags.Bool("verbose", false, "log the control channel to stdout")

	if err := flags.Parse(args); err != nil {
		return err
	}
	for key, name := range map[string]string{
		"host":           "host",
		"port":           "port",
		"user":           "user",
		"password":       "password",
		"tls.mode":       "tls",
		"tls.validation": "validation",
		"parallel":       "parallel",
		"log.stdout":     "verbose",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", *configFile)
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}
	if cfg.Host == "" {
		return errors.New("no host configured (use --host or FTP_HOST)")
	}
	if cfg.Log.Stdout && cfg.Log.Level == "info" {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics, err := ftp.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}
	opts = append(opts, ftp.WithMetrics(metrics))

	pool, err := ftp.NewPool(cfg.Credentials(), opts...)
	if err != nil {
		return err
	}
	if err := pool.Connect(ctx); err != nil {
		return err
	}
	defer pool.Disconnect()

	if *dir != "" {
		if err := pool.ChangeDir(*dir); err != nil {
			return err
		}
	}

	cli := &cli{pool: pool, out: stdout, parallel: cfg.GetParallel(), logger: logger}
	return cli.dispatch(ctx, flags.Arg(0), flags.Args()[1:])
}

type cli struct {
	pool     *ftp.Pool
	out      io.Writer
	parallel int
	logger   *zap.Logger
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return errors.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
		}
		return nil
	}

	switch cmd {
	case "ls":
		target := ""
		if len(args) > 0 {
			target = args[0]
		}
		return c.list(target)
	case "pwd":
		dir, err := c.pool.CurrentDir()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, dir)
		return nil
	case "get":
		if err := need(1); err != nil {
			return err
		}
		return c.get(ctx, args)
	case "put":
		if err := need(1); err != nil {
			return err
		}
		return c.put(ctx, args)
	case "mkdir":
		if err := need(1); err != nil {
			return err
		}
		return c.pool.MakeDir(args[0])
	case "rmdir":
		if err := need(1); err != nil {
			return err
		}
		return c.pool.RemoveDir(args[0])
	case "rm":
		if err := need(1); err != nil {
			return err
		}
		return c.pool.Delete(args[0])
	case "mv":
		if err := need(2); err != nil {
			return err
		}
		return c.pool.Rename(args[0], args[1])
	case "chmod":
		if err := need(2); err != nil {
			return err
		}
		mode, err := strconv.ParseUint(args[0], 8, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid mode %q", args[0])
		}
		return c.pool.Chmod(args[1], os.FileMode(mode))
	case "walk":
		root := c.pool.WorkingDir()
		if root == "" {
			root = "/"
		}
		if len(args) > 0 {
			root = args[0]
		}
		return c.walk(root)
	}
	return errors.Errorf("unknown command %q", cmd)
}

func (c *cli) list(dir string) error {
	entries, err := c.pool.List(dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		if e.Target != "" {
			name += " -> " + e.Target
		}
		kind := "-"
		if e.IsDir {
			kind = "d"
		}
		fmt.Fprintf(tw, "%s\t%03d\t%d\t%s\t%s\n", kind, e.Permissions, e.Size, e.LastModified, name)
	}
	return tw.Flush()
}

func (c *cli) get(ctx context.Context, names []string) error {
	jobs := make([]ftp.Job, 0, len(names))
	files := make([]*os.File, 0, len(names))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, name := range names {
		f, err := os.Create(path.Base(name))
		if err != nil {
			return errors.Wrap(err, "create local file")
		}
		files = append(files, f)
		jobs = append(jobs, ftp.Job{Name: name, Dest: f})
	}
	if err := c.pool.TransferAll(ctx, jobs, c.parallel); err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintf(c.out, "downloaded %s\n", name)
	}
	return nil
}

func (c *cli) put(ctx context.Context, locals []string) error {
	jobs := make([]ftp.Job, 0, len(locals))
	for _, local := range locals {
		f, err := os.Open(local)
		if err != nil {
			return errors.Wrap(err, "open local file")
		}
		defer f.Close()
		jobs = append(jobs, ftp.Job{Name: filepath.Base(local), Source: f})
	}
	if err := c.pool.TransferAll(ctx, jobs, c.parallel); err != nil {
		return err
	}
	for _, local := range locals {
		fmt.Fprintf(c.out, "uploaded %s\n", filepath.Base(local))
	}
	return nil
}

func (c *cli) walk(root string) error {
	walker, err := c.pool.Walk(root)
	if err != nil {
		return err
	}
	for walker.Step() {
		if err := walker.Err(); err != nil {
			c.logger.Warn("walk", zap.String("path", walker.Path()), zap.Error(err))
			continue
		}
		fmt.Fprintln(c.out, walker.Path())
	}
	return nil
}
