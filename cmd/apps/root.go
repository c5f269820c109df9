/*
 Copyright 2023 BucketFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package apps

import (
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/basenana/bucketfs/cmd/apps/admin"
	configapp "github.com/basenana/bucketfs/cmd/apps/config"
	fsapi "github.com/basenana/bucketfs/cmd/apps/fuse"
	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/core"
	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
	"github.com/basenana/bucketfs/utils/metrics"
)

func init() {
	RootCmd.AddCommand(mountCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(configapp.RunCmd)
}

var RootCmd = &cobra.Command{
	Use:   "bucketfs",
	Short: "BucketFS mounts an object storage bucket",
	Long:  `Mount an S3 compatible bucket as a local filesystem through FUSE.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	mountCmd.Flags().StringVar(&config.FilePath, "config", path.Join(config.LocalUserPath(), config.DefaultConfigBase), "bucketfs config file")
}

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the configured bucket",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		loader := config.NewConfigLoader()
		cfg, err := loader.GetConfig()
		if err != nil {
			panic(err)
		}
		if len(args) > 0 {
			cfg.FUSE.RootPath = args[0]
		}
		if cfg.FUSE.RootPath == "" {
			panic("mount point not set")
		}

		if cfg.Debug {
			logger.SetDebug(cfg.Debug)
		}
		var dsn string
		if cfg.Sentry != nil {
			dsn = cfg.Sentry.DSN
		}
		if err = metrics.InitSentry(dsn); err != nil {
			logger.NewLogger("bucketfs").Warnw("init sentry failed", "err", err)
		}
		defer metrics.FlushSentry()

		s, err := storage.NewStorage(cfg.Storage, cfg.Retry)
		if err != nil {
			panic(err)
		}
		fs, err := core.NewFileSystem(s, cfg.FS)
		if err != nil {
			panic(err)
		}

		stop := utils.HandleTerminalSignal()
		run(fs, cfg, stop)
	},
}

func run(fs *core.FileSystem, cfg config.Config, stopCh chan struct{}) {
	log := logger.NewLogger("bucketfs")
	log.Infow("starting", "version", config.VersionInfo().Version(), "storage", cfg.Storage.ID, "mountpoint", cfg.FUSE.RootPath)

	if cfg.Admin.Enable {
		s, err := admin.NewAdminServer(fs, cfg.Admin)
		if err != nil {
			log.Panicw("init admin server failed", "err", err.Error())
		}
		go s.Run(stopCh)
	}

	if err := fsapi.Run(stopCh, fs, cfg.FUSE, cfg.Debug); err != nil {
		log.Panicw("mount failed", "err", err.Error())
	}

	log.Info("started")
	<-stopCh
	// give the unmount and the last releases a moment
	time.Sleep(time.Second * 5)
	log.Info("stopped")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View version information",
	Run: func(cmd *cobra.Command, args []string) {
		vInfo := config.VersionInfo()
		fmt.Printf("Version: %s\n", vInfo.Version())
		fmt.Printf("GitCommit: %s\n", vInfo.Git)
	},
}
