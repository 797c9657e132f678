package cli

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	units "github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/myelnet/s2s/client"
	"github.com/myelnet/s2s/internal/restapi"
	"github.com/myelnet/s2s/internal/wire"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog/log"
)

type sendConfig struct {
	clusterURLs     string
	portName        string
	portID          string
	username        string
	password        string
	peerUpdateEvery time.Duration
	confirm         bool
	file            string
	attrs           string
}

func newSendCmd() *ffcli.Command {
	cfg := &sendConfig{}
	fs := flag.NewFlagSet("s2sctl send", flag.ExitOnError)
	fs.StringVar(&cfg.clusterURLs, "clusters", "", "comma-separated remote cluster seed URLs")
	fs.StringVar(&cfg.portName, "port-name", "", "input port name (mutually exclusive with -port-id)")
	fs.StringVar(&cfg.portID, "port-id", "", "input port id (mutually exclusive with -port-name)")
	fs.StringVar(&cfg.username, "username", "", "two-way auth username")
	fs.StringVar(&cfg.password, "password", "", "two-way auth password")
	fs.DurationVar(&cfg.peerUpdateEvery, "peer-update-interval", 0, "periodic peer refresh interval (0 disables)")
	fs.BoolVar(&cfg.confirm, "yes", false, "skip the interactive confirmation prompt")
	fs.StringVar(&cfg.file, "file", "", "path to the payload file (defaults to reading stdin)")
	fs.StringVar(&cfg.attrs, "attrs", "", "comma-separated key=value attribute pairs")

	return &ffcli.Command{
		Name:       "send",
		ShortUsage: "s2sctl send -clusters=http://host:port [-port-name=NAME] [-file=PATH]",
		ShortHelp:  "Open one transaction and send a single data packet",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return runSend(ctx, cfg)
		},
	}
}

func runSend(ctx context.Context, cfg *sendConfig) error {
	seeds, err := parseSeeds(cfg.clusterURLs)
	if err != nil {
		return err
	}

	rc := client.RemoteClusterConfig{Seeds: seeds}
	if cfg.username != "" {
		rc.Credentials = &restapi.Credentials{Username: cfg.username, Password: cfg.password}
	}

	c, err := client.New(client.Config{
		RemoteClusters:     []client.RemoteClusterConfig{rc},
		PortName:           cfg.portName,
		PortID:             cfg.portID,
		PeerUpdateInterval: cfg.peerUpdateEvery,
	})
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}
	defer c.Close()

	body, length, err := openPayload(cfg.file)
	if err != nil {
		return err
	}
	defer body.Close()

	attrs := parseAttrs(cfg.attrs)
	if cfg.file != "" {
		if _, ok := attrs["mime.type"]; !ok {
			if mt, err := mimetype.DetectFile(cfg.file); err == nil {
				attrs["mime.type"] = mt.String()
			}
		}
	}

	if !cfg.confirm {
		ok := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("send %s (%d attributes) to %s?", humanize.Bytes(uint64(length)), len(attrs), cfg.clusterURLs),
		}
		if err := survey.AskOne(prompt, &ok); err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	tx, err := c.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("open transaction: %w", err)
	}

	pkt := wire.NewPacket(attrs, body, length)
	if err := tx.SendData(pkt); err != nil {
		tx.Abort()
		return fmt.Errorf("send data: %w", err)
	}

	res, err := tx.ConfirmAndComplete(ctx)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}

	log.Info().
		Uint64("packetsTransferred", res.PacketsTransferred).
		Dur("duration", res.Duration).
		Str("message", res.Message).
		Msg("s2sctl send complete")
	fmt.Printf("sent %s in %s (%s)\n", units.HumanSize(float64(length)), res.Duration, res.Message)
	return nil
}

func parseSeeds(raw string) ([]*url.URL, error) {
	var out []*url.URL
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse seed url %q: %w", s, err)
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no cluster seed URLs given (-clusters)")
	}
	return out, nil
}

func parseAttrs(raw string) map[string]string {
	attrs := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		attrs[k] = v
	}
	return attrs
}

func openPayload(path string) (io.ReadCloser, int64, error) {
	if path == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return nil, 0, err
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
