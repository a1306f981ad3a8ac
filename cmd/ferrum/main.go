/*
Ferrum Mail Transfer Daemon - composable Internet mail transfer agent.
Copyright © 2021-2025 Max Mazurov <fox.cpp@disroot.org>, Ferrum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/foxcpp/ferrum"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ferrum",
		Usage: "composable Internet mail transfer agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				Value:   filepath.Join(ferrum.ConfigDirectory, "ferrum.conf"),
				EnvVars: []string{"FERRUM_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging early",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Start the server",
				Action: func(c *cli.Context) error {
					return ferrum.Run(c.String("config"), c.Bool("debug"))
				},
			},
			{
				Name:  "version",
				Usage: "Print version and exit",
				Action: func(c *cli.Context) error {
					fmt.Println("ferrum", buildInfo())
					return nil
				},
			},
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func buildInfo() string {
	version := ferrum.Version
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		version = info.Main.Version
	}
	return version
}
