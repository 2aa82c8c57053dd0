// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command probec-dispatch is a small driver that runs a handful of
// end-to-end dispatcher scenarios against the in-process fakebackend, the
// same role probe-lang/cmd/probec plays as a driver for the reference VM.
package main

import (
	"fmt"
	"math"
	"os"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/probechain/dispatch-core/internal/control"
	"github.com/probechain/dispatch-core/internal/dispatch"
	"github.com/probechain/dispatch-core/internal/fakebackend"
	"github.com/probechain/dispatch-core/internal/handle"
	"github.com/probechain/dispatch-core/internal/xlog"
)

var defaultCoefficients = map[uintptr]float64{1: 2, 2: 3, 3: 5}

func main() {
	app := cli.NewApp()
	app.Name = "probec-dispatch"
	app.Usage = "run symbolic indirect-call dispatcher demo scenarios"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a TOML scenario file"},
		cli.StringFlag{Name: "scenario", Value: "all", Usage: "evaluated|recording|getter|ad|control|all"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "crit|error|warn|info|debug|trace"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "probec-dispatch:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	coeffs := defaultCoefficients
	if path := c.String("config"); path != "" {
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		resolved, err := cfg.coefficients()
		if err != nil {
			return err
		}
		if len(resolved) > 0 {
			coeffs = resolved
		}
	}

	scenario := c.String("scenario")
	scenarios := map[string]func(map[uintptr]float64) error{
		"evaluated": runEvaluatedScenario,
		"recording": runRecordingScenario,
		"getter":    runGetterScenario,
		"ad":        runADScenario,
		"control":   runControlScenario,
	}

	if scenario == "all" {
		for _, name := range []string{"evaluated", "recording", "getter", "ad", "control"} {
			fmt.Printf("== %s ==\n", name)
			if err := scenarios[name](coeffs); err != nil {
				return fmt.Errorf("scenario %s: %w", name, err)
			}
		}
		return nil
	}

	fn, ok := scenarios[scenario]
	if !ok {
		return fmt.Errorf("unknown scenario %q", scenario)
	}
	return fn(coeffs)
}

func setLogLevel(name string) {
	levels := map[string]xlog.Level{
		"crit": xlog.LevelCrit, "error": xlog.LevelError, "warn": xlog.LevelWarn,
		"info": xlog.LevelInfo, "debug": xlog.LevelDebug, "trace": xlog.LevelTrace,
	}
	if lvl, ok := levels[name]; ok {
		xlog.Root.SetLevel(lvl)
	}
}

// scaleFn builds a per-instance "multiply by coefficient" UserFn, accepting
// the doubled argument list convention during AD passes.
func scaleFn(be *fakebackend.Backend, coeffs map[uintptr]float64) dispatch.UserFn {
	return func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		c := coeffs[instancePtr]
		if len(args) < 2 {
			if len(args) == 0 {
				return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(c), 1)}, nil
			}
			xs := be.ReadAll(args[0])
			out := make([]float64, len(xs))
			for i, x := range xs {
				out[i] = x * c
			}
			return []handle.IR{be.ArrayF64(out)}, nil
		}
		tangent := be.ReadAll(args[1])
		out := make([]float64, len(tangent))
		for i, g := range tangent {
			out[i] = g * c
		}
		return []handle.IR{be.ArrayF64(out)}, nil
	}
}

func runEvaluatedScenario(coeffs map[uintptr]float64) error {
	be := fakebackend.New()
	d := dispatch.New(be, fakebackend.NewEngine(be))

	idx := be.IndexArray([]int{1, 2, 1, 3})
	x := be.ArrayF64([]float64{1, 2, 3, 4})

	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 3,
		Name:          "scale",
		InstanceIndex: idx,
		Args:          []handle.AD{handle.Make(0, x)},
		UserFn:        scaleFn(be, coeffs),
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		return err
	}
	fmt.Println("evaluated result:", be.ReadAll(resp.RV[0].IRPart()))
	return nil
}

func runRecordingScenario(coeffs map[uintptr]float64) error {
	be := fakebackend.New()
	d := dispatch.New(be, fakebackend.NewEngine(be))
	d.SymbolicCalls = true

	idx := be.IndexArray([]int{1, 2, 3})
	x := be.ArrayF64([]float64{10, 10, 10})

	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 3,
		Name:          "scale",
		InstanceIndex: idx,
		Args:          []handle.AD{handle.Make(0, x)},
		UserFn:        scaleFn(be, coeffs),
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		return err
	}
	fmt.Println("recording result (one kernel, three callables):", be.ReadAll(resp.RV[0].IRPart()))
	return nil
}

func runGetterScenario(coeffs map[uintptr]float64) error {
	be := fakebackend.New()
	d := dispatch.New(be, fakebackend.NewEngine(be))

	userFn := func(payload interface{}, instancePtr uintptr, args []handle.IR) ([]handle.IR, error) {
		return []handle.IR{be.Literal(handle.KindF64, handle.BackendHost,
			math.Float64bits(coeffs[instancePtr]), 1)}, nil
	}

	idx := be.IndexArray([]int{1, 2, 3, 1})
	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 3,
		Name:          "coefficient",
		IsGetter:      true,
		InstanceIndex: idx,
		UserFn:        userFn,
		CleanupFn:     func(interface{}) {},
	})
	if err != nil {
		return err
	}
	fmt.Println("getter result:", be.ReadAll(resp.RV[0].IRPart()))
	return nil
}

func runADScenario(coeffs map[uintptr]float64) error {
	be := fakebackend.New()
	eng := fakebackend.NewEngine(be)
	d := dispatch.New(be, eng)

	xIR := be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(5), 1)
	xAD := eng.VarNew(1)
	eng.AccumGrad(xAD, be.Literal(handle.KindF64, handle.BackendHost, math.Float64bits(1), 1))

	idx := be.IndexArray([]int{1})
	resp, err := d.Call(dispatch.Request{
		Backend:       handle.BackendHost,
		CallableCount: 1,
		Name:          "scale",
		InstanceIndex: idx,
		Args:          []handle.AD{handle.Make(xAD, xIR)},
		UserFn:        scaleFn(be, coeffs),
		CleanupFn:     func(interface{}) {},
		ADEnabled:     true,
	})
	if err != nil {
		return err
	}

	ops := eng.Attached()
	if len(ops) != 1 {
		return fmt.Errorf("expected one attached custom op, got %d", len(ops))
	}
	if err := ops[0].Forward(eng); err != nil {
		return err
	}
	grad := eng.Grad(resp.RV[0].ADPart())
	bits, _ := be.Read(grad)
	fmt.Println("ad forward tangent:", math.Float64frombits(bits))
	return nil
}

func runControlScenario(coeffs map[uintptr]float64) error {
	be := fakebackend.New()
	d := dispatch.New(be, fakebackend.NewEngine(be))

	condBool := be.ArrayBool([]bool{true, false, true, false})
	thenVals := be.ArrayF64([]float64{-3, -2, -1, 9})
	elseVals := be.ArrayF64([]float64{100, 200, 300, 400})

	out, err := control.If(d, control.ModeAuto, condBool, nil,
		func(state []handle.IR) ([]handle.IR, error) { return []handle.IR{thenVals}, nil },
		func(state []handle.IR) ([]handle.IR, error) { return []handle.IR{elseVals}, nil },
	)
	if err != nil {
		return err
	}
	fmt.Println("control.If merged:", be.ReadAll(out[0]))

	state := []handle.IR{be.ArrayF64([]float64{3, 0, 5})}
	final, err := control.While(d, state,
		func(cur []handle.IR) (handle.IR, error) {
			xs := be.ReadAll(cur[0])
			active := make([]bool, len(xs))
			for i, x := range xs {
				active[i] = x > 0
			}
			return be.ArrayBool(active), nil
		},
		func(cur []handle.IR) ([]handle.IR, error) {
			xs := be.ReadAll(cur[0])
			out := make([]float64, len(xs))
			for i, x := range xs {
				out[i] = x - 1
			}
			return []handle.IR{be.ArrayF64(out)}, nil
		},
	)
	if err != nil {
		return err
	}
	fmt.Println("control.While converged:", be.ReadAll(final.([]handle.IR)[0]))
	return nil
}
