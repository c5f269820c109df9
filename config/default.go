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

package config

// DefaultConfig is a local-directory setup, handy to try the mount without a bucket.
func DefaultConfig(mountPoint, dataDir string) Config {
	cfg := Config{
		FUSE: FUSE{
			RootPath:    mountPoint,
			DisplayName: "bucketfs",
		},
		Storage: Storage{
			ID:       "local-data",
			Type:     LocalStorage,
			LocalDir: dataDir,
		},
		Admin: Admin{
			Enable: true,
			Host:   "127.0.0.1",
			Port:   17086,
		},
	}
	_ = setDefaultValue(&cfg)
	return cfg
}
