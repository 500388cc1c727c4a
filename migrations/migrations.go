package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed mysql/*.sql sqlite/*.sql
var FS embed.FS

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

func Up(driver, dsn string) error {
	m, err := migrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func Down(driver, dsn string) error {
	m, err := migrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	err = m.Down()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

func migrator(driver, dsn string) (*migrate.Migrate, error) {
	if driver != DriverMySQL && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}
	src, err := iofs.New(FS, driver)
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	var inst database.Driver
	switch driver {
	case DriverMySQL:
		inst, err = mysql.WithInstance(db, &mysql.Config{})
	case DriverSQLite:
		inst, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, inst)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
