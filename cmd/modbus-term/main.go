// Command modbus-term runs the poll loop (client mode) or the passive
// request handler (server mode) described by a YAML config, grounded on
// the teacher's cmd/collector entry point: flag-parsed config path,
// context cancelled from SIGINT/SIGTERM, one long-running component
// driven to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"modbus-term/internal/catalogue"
	"modbus-term/internal/config"
	"modbus-term/internal/logging"
	"modbus-term/internal/output"
	"modbus-term/internal/poller"
	"modbus-term/internal/script"
	"modbus-term/internal/server"
	"modbus-term/internal/snapshot"
)

func main() {
	var cfgPath string
	var verbose bool
	var dumpPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.StringVar(&dumpPath, "dump", "", "write a final snapshot to <dump>.json and <dump>.csv on exit (client mode)")
	flag.Parse()

	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	log, _ := logging.New(level, 200)
	entry := logrus.NewEntry(log)

	if err := run(cfgPath, dumpPath, entry); err != nil {
		entry.WithError(err).Fatal("modbus-term: exiting")
	}
}

func run(cfgPath, dumpPath string, log *logrus.Entry) error {
	root, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cat, err := root.BuildCatalogue()
	if err != nil {
		return fmt.Errorf("build catalogue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.WithField("signal", s).Info("received signal, shutting down")
		cancel()
	}()

	store := snapshot.New(root.Names(), root.HistoryLength)

	switch root.Mode {
	case "server":
		return runServer(ctx, root, cat, store, log)
	default:
		err := runClient(ctx, root, cat, store, log)
		if dumpPath != "" {
			if dumpErr := dumpSnapshot(dumpPath, store, log); dumpErr != nil {
				log.WithError(dumpErr).Warn("modbus-term: final snapshot dump failed")
			}
		}
		return err
	}
}

func dumpSnapshot(prefix string, store *snapshot.Store, log *logrus.Entry) error {
	if err := output.WriteJSON(prefix+".json", store); err != nil {
		return err
	}
	if err := output.WriteCSV(prefix+".csv", store); err != nil {
		return err
	}
	log.WithField("prefix", prefix).Info("modbus-term: wrote final snapshot dump")
	return nil
}

func runServer(ctx context.Context, root config.Root, cat *catalogue.Catalogue, store *snapshot.Store, log *logrus.Entry) error {
	srv := server.New(cat, store, log)
	if err := srv.Listen(root.Connection.Address); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.WithField("address", root.Connection.Address).Info("modbus-term: serving")

	<-ctx.Done()
	srv.Close()
	return nil
}

func runClient(ctx context.Context, root config.Root, cat *catalogue.Catalogue, store *snapshot.Store, log *logrus.Entry) error {
	tr, err := root.BuildTransport()
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	scripts, err := compileScripts(cat)
	if err != nil {
		return fmt.Errorf("compile scripts: %w", err)
	}

	queue := snapshot.NewWriteQueue()
	cfg := poller.Config{
		IntervalMs:        root.IntervalMs,
		DelayAfterConnect: root.DelayAfterConnectMs,
		TimeoutMs:         root.TimeoutMs,
		EnableScript:      root.EnableScript,
	}
	p := poller.New(tr, cat, store, queue, scripts, cfg, log)

	rec, err := root.BuildPersist()
	if err != nil {
		return fmt.Errorf("build persist: %w", err)
	}
	if rec != nil {
		defer rec.Close()
		p.SetRecorder(rec)
	}

	log.WithField("address", root.Connection.Address).Info("modbus-term: polling")
	p.Run(ctx)
	return nil
}

// compileScripts compiles every definition's on_update script. Catalogue
// build already proved each one parses; these copies are the ones the
// poller actually runs.
func compileScripts(cat *catalogue.Catalogue) (map[string]*script.Compiled, error) {
	scripts := make(map[string]*script.Compiled)
	for _, def := range cat.Iter() {
		if def.OnUpdate == "" {
			continue
		}
		compiled, err := script.Compile(def.OnUpdate)
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", def.Name, err)
		}
		scripts[def.Name] = compiled
	}
	return scripts, nil
}
