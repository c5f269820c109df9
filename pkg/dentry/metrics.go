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

package dentry

import "github.com/prometheus/client_golang/prometheus"

var (
	cachedNodeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dentry_cached_nodes",
			Help: "This count of nodes cached in the directory tree",
		},
	)
	listCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dentry_list_total",
			Help: "This count of directory listings sent to storage",
		},
	)
	evictCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dentry_evicted_nodes",
			Help: "This count of nodes evicted from the directory tree",
		},
	)
)

func init() {
	prometheus.MustRegister(cachedNodeGauge, listCounter, evictCounter)
}
