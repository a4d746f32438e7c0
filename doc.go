// Package paydist distributes tokens to many accounts through scheduled
// transfers on a replicated ledger network. Every transfer needs the
// signatures of several parties; each party runs paydist with its own keys
// over the same distribution file, and whichever run arrives first creates
// the schedule while the others countersign it.
//
// # Running a distribution
//
// A Runner binds a Config to the network. A run is planned first, which
// checks the source accounts, recipient associations and treasury balance,
// and then executed:
//
//	cfg := paydist.Config{
//	    Network:         "testnet",
//	    Token:           "0.0.5000",
//	    Treasury:        "0.0.1001",
//	    SubmitPayer:     "0.0.1002",
//	    TransferPayer:   "0.0.1003",
//	    SubmitPayerKeys: []string{os.Getenv("SUBMIT_KEY")},
//	    TreasuryKeys:    []string{os.Getenv("TREASURY_KEY")},
//	    Report:          "s3://minio:9000/reports/payroll?insecure=true",
//	}
//	runner, err := paydist.NewRunner(cfg, paydist.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	file, err := runner.LoadFile("payroll.csv")
//	if err != nil { log.Fatal(err) }
//	sink, _, err := paydist.OpenReportSink(ctx, runner.Config(), logger, nil)
//	if err != nil { log.Fatal(err) }
//	out, err := runner.Execute(ctx, runner.NewRun(file), sink)
//
// Execute refuses to touch the network when planning found errors
// (ErrPlanRejected). Payments waiting for another party's signature are
// reconciled in the background every ReconcileInterval and once more after
// FinalReconcileDelay; the stored report lists the final stage of each.
//
// # Report sinks
//
// Reports are CSV files written to the sink named by Config.Report:
//
//   - disk:///var/lib/paydist/reports (atomic rename into place)
//   - mem:// (tests)
//   - s3://host[:port]/bucket[/prefix]?insecure=true&path-style=true
//   - aws://bucket[/prefix]?region=eu-north-1
//   - azure://account/container[/prefix]
//
// Setting Config.ReportKeyFile to a kryptograf key bundle stores reports
// encrypted, with a descriptor object next to each one.
//
// # Development network
//
// StartDevnet serves simulated nodes over one in-memory ledger described by
// a YAML genesis file, which is how the integration tests and
// `paydist devnode` exercise multi-party runs without a real network.
package paydist
