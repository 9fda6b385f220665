package cmd

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swserver/internal/presentation"
	"github.com/zjrosen/swserver/internal/serviceworker/api"
	"github.com/zjrosen/swserver/internal/serviceworker/server"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

var (
	regClientURL string
	regTopOrigin string
	regJSON      bool
	clearOrigin  string
)

var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "List registrations",
	Long: `List the daemon's registrations.

Without --client-url every registration is listed. With --client-url only
those visible to that client are listed, oldest first.

Examples:
  swserver registrations
  swserver registrations --client-url https://example.com/app/page
  swserver registrations --json | jq '.[].scope'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFromConfig()
		if err != nil {
			return err
		}

		var dtos []presentation.RegistrationDTO
		if regClientURL == "" {
			var snap server.Snapshot
			if err := c.get("/registrations", nil, &snap); err != nil {
				return err
			}
			for _, reg := range snap.Registrations {
				dto := presentation.FromRegistrationData(reg.RegistrationData)
				dto.Uninstalling = reg.Uninstalling
				dtos = append(dtos, dto)
			}
		} else {
			var resp api.RegistrationsResponse
			if err := c.get("/registrations", clientQuery(), &resp); err != nil {
				return err
			}
			dtos = presentation.FromRegistrations(resp.Registrations)
		}
		if dtos == nil {
			dtos = []presentation.RegistrationDTO{}
		}
		return formatter().FormatRegistrations(dtos)
	},
}

var registrationsMatchCmd = &cobra.Command{
	Use:   "registrations:match",
	Short: "Show the registration controlling a client URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if regClientURL == "" {
			return cmd.Help()
		}
		c, err := clientFromConfig()
		if err != nil {
			return err
		}
		var reg types.RegistrationData
		if err := c.get("/registrations/match", clientQuery(), &reg); err != nil {
			return err
		}
		return formatter().FormatRegistrations([]presentation.RegistrationDTO{presentation.FromRegistrationData(reg)})
	},
}

var registrationsClearCmd = &cobra.Command{
	Use:   "registrations:clear",
	Short: "Remove every registration, or those of one origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFromConfig()
		if err != nil {
			return err
		}
		var resp api.ClearResponse
		if err := c.post("/registrations/clear", api.ClearRequest{Origin: clearOrigin}, &resp); err != nil {
			return err
		}
		_, err = fmt.Fprintf(os.Stdout, "Cleared %d registration(s)\n", resp.Cleared)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{registrationsCmd, registrationsMatchCmd} {
		c.Flags().StringVarP(&regClientURL, "client-url", "u", "", "client URL to resolve registrations for")
		c.Flags().StringVar(&regTopOrigin, "top-origin", "", "top-level origin (default: the client URL's origin)")
		c.Flags().BoolVar(&regJSON, "json", false, "print JSON")
		rootCmd.AddCommand(c)
	}
	registrationsClearCmd.Flags().StringVar(&clearOrigin, "origin", "", "only clear registrations of this top-level origin")
	rootCmd.AddCommand(registrationsClearCmd)
}

func clientQuery() url.Values {
	q := url.Values{}
	q.Set("client_url", regClientURL)
	if regTopOrigin != "" {
		q.Set("top_origin", regTopOrigin)
	}
	return q
}

func formatter() *presentation.Formatter {
	if regJSON {
		return presentation.NewJSONFormatter(os.Stdout)
	}
	return presentation.NewFormatter(os.Stdout)
}
