package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/namehu/PixiShelf-sub001/migrations"
)

var version = "dev"

func main() {
	fmt.Printf("pixishelf-migrate version %s\n", version)

	dsn := os.Getenv("PIXISHELF_DB_DSN")
	if dsn == "" {
		fmt.Println("PIXISHELF_DB_DSN is required")
		os.Exit(1)
	}
	defaultDriver := os.Getenv("PIXISHELF_DB_DRIVER")
	if defaultDriver == "" {
		defaultDriver = migrations.DriverMySQL
	}
	driver := flag.String("driver", defaultDriver, "database driver: mysql or sqlite")
	dir := flag.String("dir", "up", "migration direction: up or down")
	flag.Parse()

	var err error
	switch *dir {
	case "up":
		err = migrations.Up(*driver, dsn)
	case "down":
		err = migrations.Down(*driver, dsn)
	default:
		err = fmt.Errorf("unknown direction: %s", *dir)
	}
	if err != nil {
		fmt.Println("migration error:", err)
		os.Exit(1)
	}
}
