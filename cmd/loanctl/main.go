// loanctl records pickups and returns at the checkout desk. Commands are
// written to a local queue first so they survive a network outage.
//
//	loanctl transition -id <loan> -status picked_up -device ICH-20105
//	loanctl flush
//	loanctl pending
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"Gin_postgres_redis_laptop_checkout/config"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/logs"
	"Gin_postgres_redis_laptop_checkout/offline"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: loanctl <transition|flush|pending|rejected> [flags]")
	fmt.Fprintln(os.Stderr, "env: LOANCTL_URL, LOANCTL_TOKEN, LOANCTL_DB")
	os.Exit(2)
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	config.LoadEnv()
	logs.Init(logs.Options{Level: env("LOG_LEVEL", "info")})
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	q, err := offline.Open(env("LOANCTL_DB", "loanctl.db"))
	if err != nil {
		logs.Logger.Fatalf("open queue: %v", err)
	}
	defer q.Close()
	sender := offline.NewHTTPSender(env("LOANCTL_URL", "http://localhost:3001"), os.Getenv("LOANCTL_TOKEN"))

	switch os.Args[1] {
	case "transition":
		err = transition(ctx, q, sender, os.Args[2:])
	case "flush":
		err = flush(ctx, q, sender)
	case "pending":
		err = list(ctx, q.Pending)
	case "rejected":
		err = list(ctx, q.Rejected)
	default:
		usage()
	}
	if err != nil {
		logs.Logger.Error(err)
		os.Exit(1)
	}
}

func transition(ctx context.Context, q *offline.Queue, s offline.Sender, args []string) error {
	fs := flag.NewFlagSet("transition", flag.ExitOnError)
	var cmd offline.Command
	fs.StringVar(&cmd.LoanID, "id", "", "loan id")
	fs.StringVar(&cmd.Status, "status", "", "target status (approved|picked_up|returned|rejected|cancelled)")
	fs.StringVar(&cmd.DeviceTag, "device", "", "device asset tag")
	fs.StringVar(&cmd.Notes, "notes", "", "notes")
	fs.StringVar(&cmd.Condition, "condition", "", "return condition")
	fs.BoolVar(&cmd.Damaged, "damaged", false, "device returned damaged")
	fs.StringVar(&cmd.Signature, "signature", "", "typed signature or data URL")
	_ = fs.Parse(args)

	if cmd.DeviceTag != "" {
		tag, err := loans.NormalizeTag(cmd.DeviceTag)
		if err != nil {
			return err
		}
		cmd.DeviceTag = tag
	}
	queued, err := q.Enqueue(ctx, cmd)
	if err != nil {
		return err
	}
	logs.Logger.WithFields(logrus.Fields{"command": queued.ID, "loan_id": cmd.LoanID, "status": cmd.Status}).Info("queued")
	return flush(ctx, q, s)
}

func flush(ctx context.Context, q *offline.Queue, s offline.Sender) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	res, err := q.Flush(ctx, s)
	log := logs.Logger.WithFields(logrus.Fields{"sent": res.Sent, "rejected": res.Rejected, "left": res.Left})
	if err != nil {
		// 离线时命令留在队列里，下次 flush 再发
		log.WithError(err).Warn("server unreachable, commands kept")
		return nil
	}
	log.Info("flushed")
	return nil
}

func list(ctx context.Context, fn func(context.Context) ([]offline.Command, error)) error {
	cmds, err := fn(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOAN\tSTATUS\tDEVICE\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, c := range cmds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.LoanID, c.Status, c.DeviceTag, c.QueuedAt.Format(time.RFC3339), c.Attempts, c.LastError)
	}
	return w.Flush()
}
