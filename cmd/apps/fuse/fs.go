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

package fuse

import (
	"context"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/core"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	fsName = "bucketfs"
)

type BucketFS struct {
	*core.FileSystem

	Path      string
	Display   string
	MountOpts []string

	cfg    config.FUSE
	logger *zap.SugaredLogger

	// debug will enable debug log and SingleThreaded
	debug bool
}

func (n *BucketFS) Start(stopCh chan struct{}) error {
	opt := fuse.MountOptions{
		AllowOther:     n.cfg.AllowOther,
		FsName:         fsName,
		Name:           fsName,
		Options:        fsMountOptions(n.Display, n.MountOpts),
		SingleThreaded: n.debug,
		Logger:         logger.NewFuseLogger(),
	}

	rawFs := newRawFileSystem(n.FileSystem, n.cfg)
	server, err := fuse.NewServer(rawFs, n.Path, &opt)
	if err != nil {
		return err
	}
	server.SetDebug(n.cfg.VerboseLog)

	go server.Serve()

	go func() {
		<-stopCh
		n.umount(server)
		n.FileSystem.Close(context.Background())
	}()

	waitMount := func() error {
		var (
			timeout = time.NewTimer(time.Minute)
			finish  = make(chan struct{})
		)
		defer timeout.Stop()
		go func() {
			n.logger.Infow("waiting mount finish")
			select {
			case <-timeout.C:
				if err = server.Unmount(); err != nil {
					n.logger.Errorw("mount timeout and clean mount point failed", "err", err.Error())
				}
				n.logger.Panicw("wait mount timeout")
			case <-finish:
				n.logger.Infow("fuse mounted", "path", n.Path)
				return
			}
		}()
		if err := server.WaitMount(); err != nil {
			return err
		}
		close(finish)
		return nil
	}
	return waitMount()
}

func (n *BucketFS) SetDebug(debug bool) {
	if debug {
		n.logger.Warn("enable debug mode")
	}
	n.debug = debug
}

func (n *BucketFS) umount(server *fuse.Server) {
	n.logger.Infof("umount %s", n.Path)
	err := server.Unmount()
	if err == nil {
		return
	}

	n.logger.Errorw("umount failed, try again ", "err", err)
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("umount", "-f", n.Path)
	case "linux":
		cmd = exec.Command("umount", "-l", n.Path)
	default:
		return
	}

	if err := cmd.Run(); err != nil {
		n.logger.Errorw("umount failed", "err", err.Error())
	}
	n.logger.Info("umount finish")
}

func NewBucketFsRoot(fs *core.FileSystem, cfg config.FUSE) (*BucketFS, error) {
	var st syscall.Stat_t
	err := syscall.Stat(cfg.RootPath, &st)
	if err != nil {
		return nil, err
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = fsName
	}

	bfs := &BucketFS{
		FileSystem: fs,
		Path:       cfg.RootPath,
		Display:    cfg.DisplayName,
		MountOpts:  cfg.MountOptions,
		cfg:        cfg,
		logger:     logger.NewLogger("fuse"),
	}

	return bfs, nil
}

func Run(stopCh chan struct{}, fs *core.FileSystem, cfg config.FUSE, debug bool) error {
	fsServer, err := NewBucketFsRoot(fs, cfg)
	if err != nil {
		return err
	}
	fsServer.SetDebug(debug)
	return fsServer.Start(stopCh)
}
