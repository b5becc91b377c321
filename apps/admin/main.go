package main

import (
	"log"
	"os"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/tenant"
	emailsvc "github.com/shuletrack/shuletrack/services/email"
	paymentsvc "github.com/shuletrack/shuletrack/services/payment"
	"github.com/shuletrack/shuletrack/storage/database"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()
	core.Conf = conf
	appLogger := core.NewStdLogger(logger)

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())

	// set up services
	provisioner := database.NewProvisioner(db, appLogger)
	billingSvc := billing.NewService(conf, database.NewBillingRepository(db), paymentsvc.NewSimulatedService(appLogger), appLogger)
	tenantSvc := tenant.NewService(
		conf,
		database.NewTenantRepository(db),
		provisioner,
		billingSvc,
		emailsvc.NewConsoleService(conf),
		appLogger,
	)

	// start CLI
	cli := commandLine{
		conf:      conf,
		db:        db,
		tenantSvc: tenantSvc,
		prov:      provisioner,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
