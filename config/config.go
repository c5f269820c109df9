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

import "time"

type Config struct {
	FUSE    FUSE    `json:"fuse"`
	Storage Storage `json:"storage"`
	FS      *FS     `json:"fs,omitempty"`
	Retry   *Retry  `json:"retry,omitempty"`
	Admin   Admin   `json:"admin"`
	Sentry  *Sentry `json:"sentry,omitempty"`

	Debug bool `json:"debug,omitempty"`
}

type FUSE struct {
	RootPath     string   `json:"root_path"`
	MountOptions []string `json:"mount_options,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
	VerboseLog   bool     `json:"verbose_log,omitempty"`
	AllowOther   bool     `json:"allow_other,omitempty"`

	// timeouts in seconds
	EntryTimeout *int `json:"entry_timeout,omitempty"`
	AttrTimeout  *int `json:"attr_timeout,omitempty"`
}

func (f FUSE) EntryTTL() time.Duration {
	if f.EntryTimeout == nil {
		return time.Second
	}
	return time.Duration(*f.EntryTimeout) * time.Second
}

func (f FUSE) AttrTTL() time.Duration {
	if f.AttrTimeout == nil {
		return time.Second
	}
	return time.Duration(*f.AttrTimeout) * time.Second
}

type Admin struct {
	Enable bool   `json:"enable"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Pprof  bool   `json:"pprof"`
}

type Sentry struct {
	DSN string `json:"dsn"`
}
