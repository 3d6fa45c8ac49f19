package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"testscribe/cmd/testscribe/service"
)

const serviceUsage = "usage: testscribe service <install|uninstall|status> [--config PATH] [--addr ADDR] [--print]"

func runService(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Args) != 1 {
		return errors.New(serviceUsage)
	}

	unit := service.DefaultUnit()
	if flags.Config != "" {
		abs, err := filepath.Abs(flags.Config)
		if err != nil {
			return err
		}
		unit.Config = abs
	}
	unit.Addr = flags.Addr

	switch flags.Args[0] {
	case "install":
		if flags.Print {
			content, err := service.Render(unit, runtime.GOOS)
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		}
		if err := service.Install(unit); err != nil {
			return err
		}
		path, _ := service.Path(unit, runtime.GOOS)
		fmt.Printf("installed %s (%s)\n", unit.Name, path)
	case "uninstall":
		if err := service.Uninstall(unit); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", unit.Name)
	case "status":
		st, err := service.Query(unit)
		if err != nil {
			return err
		}
		if !st.Running {
			fmt.Printf("%s: stopped\n", unit.Name)
			return nil
		}
		fmt.Printf("%s: running (pid %d)\n", unit.Name, st.PID)
	default:
		return errors.New(serviceUsage)
	}
	return nil
}
