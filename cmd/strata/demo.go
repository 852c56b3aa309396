package main

import (
	"fmt"
	"time"

	"github.com/chazu/strata/vm"
	"github.com/spf13/cobra"
)

var (
	demoAccounts int
	demoTicks    int
)

// Account variables.
const (
	varBalance = iota
	varHistory
	accountVars
)

func init() {
	cmd := newDemoCmd()
	cmd.Flags().IntVar(&demoAccounts, "accounts", 4, "Number of accounts to create in a fresh store")
	cmd.Flags().IntVar(&demoTicks, "ticks", 3, "Seconds of simulated time to run callouts for")
	rootCmd.AddCommand(cmd)
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a small ledger workload",
		Long: `The demo command keeps a set of accounts in the store. A fresh store
gets new accounts, each with a recurring interest callout; every run makes
one transfer that commits and one that fails and is rolled back, runs the
callouts due over the simulated ticks, swaps out part of the accounts and
saves a snapshot.

Example:
  strata demo
  strata demo --accounts 10 --ticks 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			return guard(func() error { return runDemo(s) })
		},
	}
}

func runDemo(s *session) error {
	rt := s.rt
	if s.fresh {
		for i := 0; i < demoAccounts; i++ {
			if err := openAccount(rt, fmt.Sprintf("account-%d", i)); err != nil {
				return err
			}
		}
	}
	accounts := rt.Objects.Live()
	if len(accounts) < 2 {
		return fmt.Errorf("need at least 2 accounts, store has %d", len(accounts))
	}
	from, to := accounts[0].Ref(), accounts[1].Ref()

	if err := transfer(rt, from, to, 25); err != nil {
		return err
	}
	if err := transfer(rt, from, to, 1_000_000); err != nil {
		fmt.Printf("transfer rolled back: %v\n", err)
	}

	ran := 0
	for tick := 0; tick < demoTicks; tick++ {
		s.clock.Advance(time.Second)
		now := s.clock.Now()
		for _, due := range s.queue.PopDue(now.Unix(), uint16(now.Nanosecond()/1e6)) {
			if err := rt.RunCallout(due, runAccountCallout); err != nil {
				log.Warningf("callout %d of object %d: %v", due.Handle, due.Obj.Index, err)
				continue
			}
			ran++
		}
	}
	fmt.Printf("ran %d callouts\n", ran)

	for _, o := range rt.Objects.Live() {
		d, err := rt.Dataspace(o.Ref())
		if err != nil {
			return err
		}
		fmt.Printf("%-12s balance %d\n", o.Name, d.Variable(varBalance).Int())
	}

	dropped := rt.Collect()
	written := rt.Swapout(cfg.Runtime.SwapFraction)
	log.Infof("collected %d entries, swapped out %d sectors", dropped, len(written))
	if err := rt.Snapshot(); err != nil {
		return err
	}
	if err := rt.CheckLists(); err != nil {
		return err
	}
	st := rt.Stats()
	fmt.Printf("%d objects, %d resident, %d strings, %d arrays live\n",
		st.Objects, st.Resident, st.LiveStrings, st.LiveArrays)
	return nil
}

// openAccount creates an account with an opening balance and schedules its
// interest callout.
func openAccount(rt *vm.Runtime, name string) error {
	obj := rt.NewObject(name, accountVars)
	_, err := rt.Call(obj, func(f *vm.Frame) (vm.Value, error) {
		f.SetVar(varBalance, vm.Int(100))
		history := rt.Heap.NewArray([]vm.Value{vm.StringValue(rt.Heap.NewString("opened"))})
		f.SetVar(varHistory, vm.ArrayValue(history))
		f.Stack.Push(vm.Int(1))
		_, err := f.NewCallOut("interest", 1, 0, 1)
		return vm.Nil, err
	})
	return err
}

// transfer moves amount from one account to another. The debit raises when
// the balance would go negative, which discards the credit already made.
func transfer(rt *vm.Runtime, from, to vm.ObjRef, amount int64) error {
	_, err := rt.Call(from, func(f *vm.Frame) (vm.Value, error) {
		_, err := f.Call(to, func(g *vm.Frame) (vm.Value, error) {
			g.SetVar(varBalance, vm.Int(g.Var(varBalance).Int()+amount))
			return vm.Nil, record(g, "credit")
		})
		if err != nil {
			return vm.Nil, err
		}
		balance := f.Var(varBalance).Int() - amount
		if balance < 0 {
			return vm.Nil, f.Raise("insufficient funds: %d short", -balance)
		}
		f.SetVar(varBalance, vm.Int(balance))
		return vm.Nil, record(f, "debit")
	})
	return err
}

// record appends an entry to the account history.
func record(f *vm.Frame, entry string) error {
	rt := f.Runtime()
	old := f.Var(varHistory).Array()
	elts := append(f.Data.Elts(old), vm.StringValue(rt.Heap.NewString(entry)))
	f.SetVar(varHistory, vm.ArrayValue(rt.Heap.NewArray(elts)))
	return nil
}

func runAccountCallout(f *vm.Frame, name string, nargs int) (vm.Value, error) {
	switch name {
	case "interest":
		if nargs != 1 {
			return vm.Nil, f.Raise("interest: %d arguments", nargs)
		}
		rate := f.Stack.Top(1)[0]
		f.SetVar(varBalance, vm.Int(f.Var(varBalance).Int()+rate.Int()))
		f.Stack.Push(rate)
		_, err := f.NewCallOut("interest", 1, 0, 1)
		return vm.Nil, err
	}
	return vm.Nil, f.Raise("unknown callout %q", name)
}
