// Package main implements the atlas test harness, a CLI that exercises each
// subsystem of the toolkit against real shared memory:
//
//	atlas [flags] <section>
//
// where section is one of KernelSemaphores, SharedMemory, ScratchMemory,
// SpinLocks, Atomics, ShareLocks, Tables, or BTrees. Exit code 0 means the
// section passed.
//
// The Tables and BTrees sections coordinate with a second harness process
// through a kernel semaphore when one is running: the first process up
// creates the semaphore and the shared structures, the second opens them
// and joins the concurrency phase. Run two copies side by side to watch the
// volley; a single copy still passes on its own.
//
// Configuration comes from -config (TOML), then ATLAS_IPC_BASE and
// ATLAS_KILROY environment variables.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/dreamware/atlas/internal/locks"
)

// exit is a variable so tests can intercept fatal paths without
// terminating the test process.
var exit = os.Exit

// runner bundles what every section needs.
type runner struct {
	log zerolog.Logger
	rt  *locks.Runtime
	cfg Config

	mu       sync.Mutex
	cleanups []func()
}

// onExit registers cleanup to run when the section finishes or the process
// is signalled, newest first. Sections use it to drop shared segments and
// semaphores even on an interrupted run.
func (r *runner) onExit(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, f)
}

func (r *runner) runCleanups() {
	r.mu.Lock()
	fns := r.cleanups
	r.cleanups = nil
	r.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

var sections = map[string]func(*runner) error{
	"KernelSemaphores": sectionKernelSemaphores,
	"SharedMemory":     sectionSharedMemory,
	"ScratchMemory":    sectionScratchMemory,
	"SpinLocks":        sectionSpinLocks,
	"Atomics":          sectionAtomics,
	"ShareLocks":       sectionShareLocks,
	"Tables":           sectionTables,
	"BTrees":           sectionBTrees,
}

func usage() {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "usage: atlas [flags] <section>\nsections:\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "optional TOML config file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	if flag.NArg() != 1 {
		usage()
		exit(2)
		return
	}
	name := flag.Arg(0)
	section, ok := sections[name]
	if !ok {
		logger.Error().Str("section", name).Msg("unknown section")
		usage()
		exit(2)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *configPath).Msg("config")
		exit(1)
		return
	}

	r := &runner{
		log: logger.With().Str("section", name).Uint32("kilroy", cfg.Kilroy).Logger(),
		rt:  locks.NewRuntime(),
		cfg: cfg,
	}

	// Shared structures must come down even when the run is interrupted.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		r.log.Warn().Str("signal", sig.String()).Msg("interrupted; cleaning up")
		r.runCleanups()
		exit(1)
	}()

	r.log.Info().Int("procs", r.rt.Procs).Msg("starting")
	err = section(r)
	r.runCleanups()
	if err != nil {
		r.log.Error().Err(err).Msg("section failed")
		exit(1)
		return
	}
	r.log.Info().Msg("section passed")
	exit(0)
}
