package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/jmoiron/sqlx"

	echoapi "github.com/shuletrack/shuletrack/apps/api/echo"
	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/tenant"
)

var errHelp = errors.New("help provided")

// driftChecker inspects and repairs provisioned namespaces.
type driftChecker interface {
	DriftCheck(ctx context.Context, namespace string) (map[string]bool, error)
	AutoFix(ctx context.Context, tenants []tenant.Tenant) []string
}

type commandLine struct {
	conf      *core.Config
	db        *sqlx.DB
	tenantSvc *tenant.Service
	prov      driftChecker
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [args] - run a migration command (up, down, status, ...)")
	fmt.Println("  driftcheck -school SUBDOMAIN - compare a school's tables against the canonical set")
	fmt.Println("  autofix - re-provision missing tables for all verified schools")
	fmt.Println("  sweepcodes - delete expired activation codes")
	fmt.Println("  processoutbox - retry pending provisioning jobs")
	fmt.Println("  deletetenant -school SUBDOMAIN -confirm SUBDOMAIN - drop a school and its data")
	fmt.Println("  minttoken -email EMAIL - sign a platform admin token")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	driftCheckCmd := flag.NewFlagSet("driftcheck", flag.ExitOnError)
	driftCheckSchool := driftCheckCmd.String("school", "", "The school's subdomain.")

	deleteTenantCmd := flag.NewFlagSet("deletetenant", flag.ExitOnError)
	deleteTenantSchool := deleteTenantCmd.String("school", "", "The school's subdomain.")
	deleteTenantConfirm := deleteTenantCmd.String("confirm", "", "Repeat the subdomain to confirm.")

	mintTokenCmd := flag.NewFlagSet("minttoken", flag.ExitOnError)
	mintTokenEmail := mintTokenCmd.String("email", "", "The platform admin's email.")

	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "driftcheck":
		if err := driftCheckCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *driftCheckSchool == "" {
			driftCheckCmd.Usage()
			return errHelp
		}
		return cli.driftCheck(ctx, *driftCheckSchool)

	case "autofix":
		return cli.autoFix(ctx)

	case "sweepcodes":
		n, err := cli.tenantSvc.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d expired activation code(s)\n", n)
		return nil

	case "processoutbox":
		n, err := cli.tenantSvc.ProcessPendingJobs(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d provisioning job(s)\n", n)
		return nil

	case "deletetenant":
		if err := deleteTenantCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *deleteTenantSchool == "" || *deleteTenantConfirm != *deleteTenantSchool {
			deleteTenantCmd.Usage()
			return errHelp
		}
		return cli.deleteTenant(ctx, *deleteTenantSchool)

	case "minttoken":
		if err := mintTokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *mintTokenEmail == "" {
			mintTokenCmd.Usage()
			return errHelp
		}
		token, err := echoapi.PlatformToken(cli.conf, core.CleanString(*mintTokenEmail, true))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) driftCheck(ctx context.Context, school string) error {
	t, err := cli.tenantSvc.Resolve(ctx, school, false)
	if err != nil {
		return err
	}
	report, err := cli.prov.DriftCheck(ctx, t.NamespaceKey())
	if err != nil {
		return err
	}
	var missing int
	for table, present := range report {
		status := "ok"
		if !present {
			status = "MISSING"
			missing++
		}
		fmt.Printf("%-20s %s\n", table, status)
	}
	if missing > 0 {
		return fmt.Errorf("%d table(s) missing; run autofix", missing)
	}
	return nil
}

func (cli *commandLine) autoFix(ctx context.Context) error {
	tenants, err := cli.tenantSvc.Schools(ctx)
	if err != nil {
		return err
	}
	for _, line := range cli.prov.AutoFix(ctx, tenants) {
		fmt.Println(line)
	}
	fmt.Printf("processed %d school(s)\n", len(tenants))
	return nil
}

func (cli *commandLine) deleteTenant(ctx context.Context, school string) error {
	t, err := cli.tenantSvc.Resolve(ctx, school, false)
	if err != nil {
		return err
	}
	if err = cli.tenantSvc.Delete(ctx, t); err != nil {
		return err
	}
	fmt.Printf("deleted %q and its namespace\n", t.Subdomain)
	return nil
}
