// Package main provides the CLI entrypoint for liftlog.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liftlog/liftlog/internal/bus"
	"github.com/liftlog/liftlog/internal/config"
	"github.com/liftlog/liftlog/internal/logger"
	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/monitor"
	"github.com/liftlog/liftlog/internal/queue"
	"github.com/liftlog/liftlog/internal/remote"
	"github.com/liftlog/liftlog/internal/store"
	syncengine "github.com/liftlog/liftlog/internal/sync"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "liftlog",
	Short: "Offline-first workout tracker",
	Long: `liftlog records workouts and bodyweight locally and syncs them to the
cloud whenever connectivity allows. All commands work fully offline;
mutations queue up and flush on the next successful sync.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(lvl)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(weightCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

// app bundles the wired engine components for one command invocation.
type app struct {
	db    *store.DB
	queue *queue.Manager
	bus   *bus.Bus
	coord *syncengine.Coordinator
	mon   *monitor.Monitor
}

// dbPath returns the local database location.
// Priority: LIFTLOG_DB env > ~/.local/share/liftlog/liftlog.db.
func dbPath() (string, error) {
	if v := os.Getenv("LIFTLOG_DB"); v != "" {
		return v, nil
	}
	dir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "liftlog.db"), nil
}

// openApp wires the store, queue, client, and coordinator from config.
func openApp() (*app, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	deviceID, err := config.DeviceID()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}

	q := queue.NewManager(db, config.RetryCeiling())
	client := remote.New(remote.Config{
		BaseURL:       config.ServerURL(),
		TokenProvider: config.Token,
		DeviceID:      deviceID,
	})
	b := bus.New()
	coord := syncengine.NewCoordinator(db, q, client, b, config.PushBatch())
	mon := monitor.New(client, b, config.PollInterval(), config.Backoff())

	return &app{db: db, queue: q, bus: b, coord: coord, mon: mon}, nil
}

func (a *app) close() {
	a.mon.Stop()
	if err := a.db.Close(); err != nil {
		logger.Warn("close store: %v", err)
	}
}

var (
	initName   string
	initWeight float64
	initUnit   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create your profile (onboarding)",
	Long: `Create the local user profile. Until a profile exists the app is in
onboarding mode; this command completes it and broadcasts the
onboarding-complete signal.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "your name")
	initCmd.Flags().Float64Var(&initWeight, "weight", 0, "current bodyweight in kg")
	initCmd.Flags().StringVar(&initUnit, "unit", "kg", "display unit (kg or lb)")
	initCmd.MarkFlagRequired("name")
	initCmd.MarkFlagRequired("weight")
}

func runInit(cmd *cobra.Command, args []string) error {
	if initWeight <= 0 {
		return fmt.Errorf("weight must be positive, got %v", initWeight)
	}
	if initUnit != "kg" && initUnit != "lb" {
		return fmt.Errorf("unit must be kg or lb, got %q", initUnit)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	exists, err := a.db.ProfileExists()
	if err != nil {
		return fmt.Errorf("check profile: %w", err)
	}
	if exists {
		return fmt.Errorf("a profile already exists; use 'liftlog logout' to reset")
	}

	rec, err := model.NewRecord(model.EntityUserProfile, model.NewID(), model.UserProfile{
		Name:            initName,
		CurrentWeightKg: initWeight,
		Unit:            initUnit,
	})
	if err != nil {
		return err
	}

	// Record write and queue append commit together or not at all.
	err = a.db.RunInTransaction(func(tx *sql.Tx) error {
		if err := store.PutTx(tx, rec); err != nil {
			return err
		}
		_, err := a.queue.EnqueueTx(tx, rec, model.OpCreate)
		return err
	})
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	a.bus.Publish(bus.Event{
		Type:    bus.EventOnboardingComplete,
		Payload: bus.ProfileCreated{ProfileID: rec.ID},
	})

	fmt.Printf("profile created for %s\n", initName)
	return nil
}

var (
	logReps    int
	logWeight  float64
	logRPE     float64
	logSession string
)

var logCmd = &cobra.Command{
	Use:   "log <exercise>",
	Short: "Log a set",
	Long: `Log one set of an exercise. Without --session a new workout session is
started and the set attached to it. Works offline; the set syncs later.`,
	Args: cobra.ExactArgs(1),
	RunE: runLog,
}

func init() {
	logCmd.Flags().IntVar(&logReps, "reps", 0, "repetitions performed")
	logCmd.Flags().Float64Var(&logWeight, "weight", 0, "weight lifted in kg")
	logCmd.Flags().Float64Var(&logRPE, "rpe", 0, "rate of perceived exertion (optional)")
	logCmd.Flags().StringVar(&logSession, "session", "", "existing session id (optional)")
	logCmd.MarkFlagRequired("reps")
	logCmd.MarkFlagRequired("weight")
}

func runLog(cmd *cobra.Command, args []string) error {
	exercise := args[0]
	if logReps <= 0 {
		return fmt.Errorf("reps must be positive, got %d", logReps)
	}
	if logWeight < 0 {
		return fmt.Errorf("weight cannot be negative, got %v", logWeight)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	sessionID := logSession
	var sessionRec *model.Record
	if sessionID == "" {
		rec, err := model.NewRecord(model.EntitySessions, model.NewID(), model.Session{
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		sessionRec = &rec
		sessionID = rec.ID
	}

	setRec, err := model.NewRecord(model.EntitySetLogs, model.NewID(), model.SetLog{
		SessionID:  sessionID,
		ExerciseID: exercise,
		Reps:       logReps,
		WeightKg:   logWeight,
		RPE:        logRPE,
	})
	if err != nil {
		return err
	}

	err = a.db.RunInTransaction(func(tx *sql.Tx) error {
		if sessionRec != nil {
			if err := store.PutTx(tx, *sessionRec); err != nil {
				return err
			}
			if _, err := a.queue.EnqueueTx(tx, *sessionRec, model.OpCreate); err != nil {
				return err
			}
		}
		if err := store.PutTx(tx, setRec); err != nil {
			return err
		}
		_, err := a.queue.EnqueueTx(tx, setRec, model.OpCreate)
		return err
	})
	if err != nil {
		return fmt.Errorf("log set: %w", err)
	}

	fmt.Printf("logged %s %dx%.1fkg (session %s)\n", exercise, logReps, logWeight, sessionID)
	return nil
}

var weightCmd = &cobra.Command{
	Use:   "weight <kg>",
	Short: "Record a bodyweight measurement",
	Args:  cobra.ExactArgs(1),
	RunE:  runWeight,
}

func runWeight(cmd *cobra.Command, args []string) error {
	kg, err := strconv.ParseFloat(args[0], 64)
	if err != nil || kg <= 0 {
		return fmt.Errorf("invalid weight %q: must be a positive number of kilograms", args[0])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	entryRec, err := model.NewRecord(model.EntityWeightHistory, model.NewID(), model.WeightEntry{
		WeightKg:   kg,
		MeasuredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// Also fold the new weight into the profile when one exists.
	profiles, err := a.db.List(model.EntityUserProfile)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	var profileRec *model.Record
	if len(profiles) > 0 {
		var profile model.UserProfile
		if err := unmarshalPayload(profiles[0], &profile); err != nil {
			return err
		}
		profile.CurrentWeightKg = kg
		rec, err := model.NewRecord(model.EntityUserProfile, profiles[0].ID, profile)
		if err != nil {
			return err
		}
		profileRec = &rec
	}

	err = a.db.RunInTransaction(func(tx *sql.Tx) error {
		if err := store.PutTx(tx, entryRec); err != nil {
			return err
		}
		if _, err := a.queue.EnqueueTx(tx, entryRec, model.OpCreate); err != nil {
			return err
		}
		if profileRec != nil {
			if err := store.PutTx(tx, *profileRec); err != nil {
				return err
			}
			if _, err := a.queue.EnqueueTx(tx, *profileRec, model.OpUpdate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record weight: %w", err)
	}

	fmt.Printf("recorded %.1fkg\n", kg)
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Flush pending changes and pull remote updates",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.coord.Flush(context.Background())
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Printf("pushed %d, resolved %d conflicts, pulled %d\n", res.Pushed, res.Conflicts, res.Pulled)
	if res.Rejected > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d entries permanently rejected; see 'liftlog status'\n", res.Rejected)
	}
	if !res.Clean {
		fmt.Fprintln(os.Stderr, "warning: backend unreachable, remaining changes stay queued")
	}
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run in the background, syncing whenever connectivity allows",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !config.AutoSyncEnabled() {
		return fmt.Errorf("auto-sync is disabled in config")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	unsubFail := a.bus.Subscribe(bus.EventEntryFailed, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.EntryFailed); ok {
			fmt.Fprintf(os.Stderr, "sync error: %s %s could not be synced: %s\n", p.EntityType, p.EntityID, p.Reason)
		}
	})
	defer unsubFail()

	unsubConn := a.bus.Subscribe(bus.EventConnectivityChanged, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.ConnectivityChanged); ok {
			if p.Online {
				fmt.Println("back online")
			} else {
				fmt.Println("offline, changes will queue locally")
			}
		}
	})
	defer unsubConn()

	a.mon.OnSyncTrigger(func() {
		res, err := a.coord.Flush(context.Background())
		if err != nil {
			logger.Error("watch: flush: %v", err)
			return
		}
		if res.Clean {
			a.mon.ResetBackoff()
		} else {
			a.mon.ScheduleRetry()
		}
	})

	a.mon.SetStartupTrigger(config.AutoSyncOnStart())
	a.mon.Start()

	fmt.Println("watching for changes, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("flushing before exit...")
	if _, err := a.coord.Flush(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: final flush failed: %v\n", err)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show readiness, queue, and sync state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	exists, err := a.db.ProfileExists()
	if err != nil {
		return fmt.Errorf("check profile: %w", err)
	}
	if exists {
		fmt.Println("profile: present")
	} else {
		fmt.Println("profile: none (run 'liftlog init')")
	}

	if config.IsAuthenticated() {
		fmt.Println("auth: token configured")
	} else {
		fmt.Println("auth: not logged in")
	}

	pending, err := a.queue.PendingCount()
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	fmt.Printf("pending changes: %d\n", pending)

	failed, err := a.queue.FailedEntries()
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	for _, e := range failed {
		fmt.Printf("FAILED %s %s/%s (seq %d, %d attempts): %s\n",
			e.Operation, e.EntityType, e.EntityID, e.Sequence, e.Attempts, e.LastError)
	}
	if len(failed) > 0 {
		fmt.Fprintf(os.Stderr, "%d entries need attention\n", len(failed))
	}

	state := syncengine.LoadState(a.db)
	for _, et := range model.AllEntityTypes() {
		wm, err := state.Watermark(et)
		if err != nil {
			return err
		}
		if !wm.IsZero() {
			fmt.Printf("pulled %s through %s\n", et, wm.Format(time.RFC3339))
		}
	}
	return nil
}

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store backend credentials",
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token for the sync backend")
	loginCmd.MarkFlagRequired("token")
}

func runLogin(cmd *cobra.Command, args []string) error {
	auth, err := config.LoadAuth()
	if err != nil {
		return err
	}
	if auth == nil {
		auth = &config.Auth{}
	}
	auth.Token = loginToken
	auth.ServerURL = config.ServerURL()
	if err := config.SaveAuth(auth); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Println("logged in")
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear credentials and all local data",
	RunE:  runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.db.Reset(); err != nil {
		return fmt.Errorf("reset local store: %w", err)
	}
	if err := config.ClearAuth(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	fmt.Println("logged out, local data cleared")
	return nil
}

// unmarshalPayload decodes a record's payload into a typed struct.
func unmarshalPayload(rec model.Record, v any) error {
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("decode %s/%s payload: %w", rec.Type, rec.ID, err)
	}
	return nil
}
