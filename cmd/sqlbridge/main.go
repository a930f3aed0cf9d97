package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tidb-incubator/sqlbridge/pkg/api"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"github.com/tidb-incubator/sqlbridge/pkg/metrics"
	"github.com/tidb-incubator/sqlbridge/pkg/sqlclient"
	"github.com/tidb-incubator/sqlbridge/pkg/util/logging"
	"go.uber.org/zap"
)

func main() {
	var configFilePath string
	var paramFlags []string

	rootCmd := &cobra.Command{
		Use:   "sqlbridge",
		Short: "execute named statements from a SQL dictionary",
	}
	rootCmd.PersistentFlags().StringVar(&configFilePath, "config", "conf/sqlbridge.yaml", "config file path")

	runCmd := &cobra.Command{
		Use:   "run <statement>",
		Short: "run one dictionary statement and print its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFilePath)
			if err != nil {
				return err
			}
			return runStatement(cfg, args[0], paramFlags)
		},
	}
	runCmd.Flags().StringArrayVar(&paramFlags, "param", nil, "parameter value as name=value, repeatable")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file error: %v", err)
	}
	cfg, err := config.UnmarshalConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse config file error: %v", err)
	}
	if err := logging.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("init logging error: %v", err)
	}
	return cfg, nil
}

func runStatement(cfg *config.Config, statementName string, paramFlags []string) error {
	metrics.RegisterMetrics()

	conn, err := sqlclient.NewConnection(&cfg.Connection)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, observerCfg := range cfg.Observers {
		observerType, err := sqlclient.ParseObserverType(observerCfg.Type)
		if err != nil {
			return err
		}
		params := observerCfg.Params
		if err := conn.AddObserver(observerCfg.Name, observerType, &params); err != nil {
			return err
		}
	}

	var apiServer *api.HTTPAPIServer
	if cfg.AdminServer.Addr != "" {
		apiServer, err = api.CreateHTTPAPIServer(conn, cfg)
		if err != nil {
			return err
		}
		go apiServer.Run()
		defer apiServer.Close()
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		logging.L().Warn("got os signal, closing connection", zap.String("signal", sig.String()))
		conn.Close()
		os.Exit(1)
	}()

	params, err := parseParams(paramFlags)
	if err != nil {
		return err
	}

	conn.Execute(statementName, params...)
	if rc := conn.ReturnCode(); rc != 0 {
		return fmt.Errorf("%s failed (%d): %s", statementName, rc, conn.ErrorMessage())
	}

	if results := conn.Results(); results != nil {
		encoded, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
	} else {
		fmt.Printf("%d rows affected\n", conn.RowsAffected())
	}
	return nil
}

// parseParams converts name=value flags, guessing the value type: integer,
// then float, then string. The dictionary's declared types have the final
// word at settings time.
func parseParams(paramFlags []string) ([]sqlclient.Param, error) {
	params := make([]sqlclient.Param, 0, len(paramFlags))
	for _, flag := range paramFlags {
		idx := strings.Index(flag, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("bad param '%s': expect name=value", flag)
		}
		name, raw := flag[:idx], flag[idx+1:]
		var value interface{} = raw
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			value = n
		} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
			value = f
		}
		params = append(params, sqlclient.P(name, value))
	}
	return params, nil
}
