// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Yelp/logfeeder/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "List configured feeds and their sub-feeds",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			printFeeds(os.Stdout, cfg)
			return nil
		},
	}
	rootCmd.AddCommand(cmd)
}

func printFeeds(w io.Writer, cfg *config.Config) {
	row := func(feed string, configured bool, subFeeds []string) {
		state := "not configured"
		if configured {
			state = "configured"
		}
		fmt.Fprintf(w, "%-10s %-15s %s\n", feed, state, strings.Join(subFeeds, ", "))
	}
	row("duo", cfg.Feeds.Duo.CredentialsFile != "",
		cfg.Feeds.Duo.EnabledSubFeeds("administration", "authentication", "telephony"))
	row("onelogin", cfg.Feeds.OneLogin.CredentialsFile != "",
		cfg.Feeds.OneLogin.EnabledSubFeeds("onelogin"))
	row("opendns", cfg.Feeds.OpenDNS.QueueName != "", []string{"opendns"})
	fmt.Fprintf(w, "sink: %s\n", cfg.Sink.Kind)
}
