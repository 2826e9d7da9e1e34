package perf

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/freeze/cmd/util"
	"github.com/ValentinKolb/freeze/lib/freeze"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"
)

var log = logger.GetLogger("cli")

const initialBalance = 1000

var (
	// PerfCmd runs a load test against an evictor
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the evictor",
		Long:    "Runs concurrent reads, deposits and transfers on account servants and reports latencies and the evictor metrics.",
		Args:    cobra.NoArgs,
		PreRunE: processPerfConfig,
		RunE:    run,
	}

	perfConf Workload
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupStoreFlags(PerfCmd)
	util.SetupEvictorFlags(PerfCmd)

	key := "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines dispatching requests"))
	key = "accounts"
	PerfCmd.Flags().Int(key, 100, util.WrapString("Number of account servants"))
	key = "duration"
	PerfCmd.Flags().Duration(key, 5*time.Second, util.WrapString("How long the load runs"))
	key = "reads"
	PerfCmd.Flags().Int(key, 80, util.WrapString("Percentage of balance reads, the rest is split between deposits and transfers"))
	key = "metrics"
	PerfCmd.Flags().Bool(key, false, util.WrapString("Print the evictor metrics in the Prometheus text format"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	perfConf = Workload{
		Threads:  viper.GetInt("threads"),
		Accounts: viper.GetInt("accounts"),
		Duration: viper.GetDuration("duration"),
		ReadPct:  viper.GetInt("reads"),
	}
	return perfConf.validate()
}

func run(cmd *cobra.Command, _ []string) error {
	store, conf, err := util.OpenStore()
	if err != nil {
		return err
	}
	e, err := freeze.New(store, conf.EvictorOptions(accountFactory))
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := e.Deactivate(); err != nil {
			log.Errorf("deactivate: %v", err)
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Performance testing tool for the evictor")
	fmt.Fprintln(out, conf.String())
	fmt.Fprintf(out, "Threads: %d, Accounts: %d, Duration: %s, Reads: %d%%\n\n", perfConf.Threads, perfConf.Accounts, perfConf.Duration, perfConf.ReadPct)

	registry := gometrics.NewRegistry()
	report, err := perfConf.Run(cmd.Context(), e, registry)
	if err != nil {
		return err
	}
	printTimers(out, registry)
	fmt.Fprintf(out, "\nTransfers rejected: %d\n", report.Rejected)
	fmt.Fprintf(out, "Total balance: %d (expected %d)\n", report.Total, report.Expected)

	if viper.GetBool("metrics") {
		fmt.Fprintln(out)
		e.Metrics().WritePrometheus(out)
	}
	if report.Total != report.Expected {
		return fmt.Errorf("balance mismatch: %d != %d", report.Total, report.Expected)
	}
	return nil
}

// --------------------------------------------------------------------------
// Workload
// --------------------------------------------------------------------------

// Workload describes the load generated by perf
type Workload struct {
	Threads  int
	Accounts int
	Duration time.Duration
	ReadPct  int
}

// Report summarizes a finished workload
type Report struct {
	Rejected int64 // transfers refused for insufficient balance
	Total    int64 // sum of all balances after the run
	Expected int64 // initial balances plus deposits
}

func (w Workload) validate() error {
	if w.Threads <= 0 || w.Accounts < 2 {
		return fmt.Errorf("need at least one thread and two accounts")
	}
	if w.ReadPct < 0 || w.ReadPct > 100 {
		return fmt.Errorf("invalid read percentage %d", w.ReadPct)
	}
	return nil
}

func accountIdentity(i int) freeze.Identity {
	return freeze.Identity{Name: fmt.Sprintf("acc-%05d", i), Category: "perf"}
}

// Run creates the accounts that do not exist yet and drives the load until
// the duration elapsed or ctx is done. Latencies are recorded in registry.
func (w Workload) Run(ctx context.Context, e *freeze.Evictor, registry gometrics.Registry) (Report, error) {
	var report Report
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.validate(); err != nil {
		return report, err
	}

	for i := 0; i < w.Accounts; i++ {
		err := e.Add(ctx, accountIdentity(i), &account{balance: initialBalance})
		if err != nil && !errors.Is(err, freeze.ErrAlreadyRegistered) {
			return report, err
		}
	}
	before, err := totalBalance(ctx, e, w.Accounts)
	if err != nil {
		return report, err
	}

	reads := gometrics.GetOrRegisterTimer("balance", registry)
	deposits := gometrics.GetOrRegisterTimer("deposit", registry)
	transfers := gometrics.GetOrRegisterTimer("transfer", registry)
	rejected := gometrics.GetOrRegisterCounter("rejected", registry)
	deposited := gometrics.GetOrRegisterCounter("deposited", registry)

	runCtx, cancel := context.WithTimeout(ctx, w.Duration)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for t := 0; t < w.Threads; t++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for runCtx.Err() == nil {
				from := accountIdentity(rnd.Intn(w.Accounts))
				roll := rnd.Intn(100)
				start := time.Now()
				switch {
				case roll < w.ReadPct:
					if _, err := readBalance(ctx, e, from); err != nil {
						fail(err)
						return
					}
					reads.UpdateSince(start)
				case roll < w.ReadPct+(100-w.ReadPct)/2:
					res, err := e.Dispatch(ctx, changeRequest(from, "deposit", 1))
					if err != nil {
						fail(err)
						return
					}
					if res.Status == freeze.StatusSuccess {
						deposited.Inc(1)
					}
					deposits.UpdateSince(start)
				default:
					to := accountIdentity(rnd.Intn(w.Accounts))
					if to == from {
						continue
					}
					ok, err := transfer(ctx, e, from, to, int64(1+rnd.Intn(50)))
					if err != nil {
						fail(err)
						return
					}
					if !ok {
						rejected.Inc(1)
					}
					transfers.UpdateSince(start)
				}
			}
		}(time.Now().UnixNano() + int64(t))
	}
	wg.Wait()
	if firstErr != nil {
		return report, firstErr
	}

	report.Rejected = rejected.Count()
	report.Expected = before + deposited.Count()
	if report.Total, err = totalBalance(ctx, e, w.Accounts); err != nil {
		return report, err
	}
	return report, nil
}

func totalBalance(ctx context.Context, e *freeze.Evictor, accounts int) (int64, error) {
	var total int64
	for i := 0; i < accounts; i++ {
		b, err := readBalance(ctx, e, accountIdentity(i))
		if err != nil {
			return 0, err
		}
		total += b
	}
	return total, nil
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

func printTimers(w io.Writer, registry gometrics.Registry) {
	var names []string
	registry.Each(func(name string, i interface{}) {
		if _, ok := i.(gometrics.Timer); ok {
			names = append(names, name)
		}
	})
	sort.Strings(names)

	fmt.Fprintf(w, "%-10s %10s %12s %12s %12s %12s\n", "op", "count", "ops/sec", "mean", "p95", "p99")
	for _, name := range names {
		t := registry.Get(name).(gometrics.Timer).Snapshot()
		ps := t.Percentiles([]float64{0.95, 0.99})
		fmt.Fprintf(w, "%-10s %10d %12.0f %12s %12s %12s\n",
			name, t.Count(), t.RateMean(),
			time.Duration(t.Mean()).Round(time.Microsecond),
			time.Duration(ps[0]).Round(time.Microsecond),
			time.Duration(ps[1]).Round(time.Microsecond))
	}
}
