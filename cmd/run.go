package cmd

import (
	"github.com/arcward/pingpanel/pingpanel"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the control panel. The bot connects when started from the panel.",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if cfg.Development {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			p, err := pingpanel.New(cfg)
			if err != nil {
				log.Fatalf("error creating pingpanel: %s", err.Error())
			}

			if err = p.Run(ctx); err != nil {
				log.Fatalf("error running pingpanel: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
