package main

import (
	"database/sql"

	"github.com/pressly/goose/v3"

	appfs "github.com/shuletrack/shuletrack/fs"
)

var gooseRunFunc = goose.Run // mockable

func (cli *commandLine) migrate(args []string) error {
	goose.SetBaseFS(appfs.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}
	var db *sql.DB
	if cli.db != nil {
		db = cli.db.DB
	}
	return gooseRunFunc(args[0], db, "migrations", rest...)
}
