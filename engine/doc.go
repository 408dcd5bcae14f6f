// Package engine wires all Maestro subsystems together and provides
// the primary application-level API for registering and running work.
//
// The engine package exists to break a fundamental import cycle: the
// root maestro package defines Entity and Config (imported by job,
// workflow, schedule, etc.) and therefore cannot import those packages
// back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	m, err := maestro.New(
//	    maestro.WithStore(pgStore),
//	    maestro.WithConcurrency(8),
//	)
//
//	eng, err := engine.Build(m,
//	    engine.WithMiddleware(myMiddleware),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute, 2)),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:           "heavy",
//	        MaxConcurrency: 2,
//	    }),
//	)
//
// # Registering Work
//
//	// Jobs
//	engine.Register(eng, job.NewDefinition("email.send", sendEmail))
//
//	// Workflows
//	eng.RegisterWorkflow(workflow.New("deploy",
//	    workflow.Step("build", "image.build"),
//	    workflow.Step("ship", "image.push", workflow.After("build")),
//	))
//
//	// Schedules
//	eng.RegisterSchedule(ctx, schedule.NewEntry("nightly-report", "0 2 * * *", "report.generate"))
//
// # Running Work
//
//	engine.Enqueue(ctx, eng, "email.send", EmailInput{To: "user@example.com"})
//	run, err := eng.Submit(ctx, "deploy", input)
//
// Call Start to begin processing and Stop to drain and shut down.
package engine
