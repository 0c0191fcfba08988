// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

import "net/http"

func defaultNoopMetrics() Metrics { return &noopMetrics{} }

type noopMetrics struct{}

func (n *noopMetrics) GetOrCreateCountMeter(string) CountMeter { return &noopMeter{} }

func (n *noopMetrics) GetOrCreateCountVecMeter(string, []string) CountVecMeter { return &noopMeter{} }

func (n *noopMetrics) GetOrCreateGaugeMeter(string) GaugeMeter { return &noopMeter{} }

func (n *noopMetrics) GetOrCreateGaugeVecMeter(string, []string) GaugeVecMeter { return &noopMeter{} }

func (n *noopMetrics) GetOrCreateHandler() http.Handler { return http.NotFoundHandler() }

type noopMeter struct{}

func (m *noopMeter) Add(int64)                             {}
func (m *noopMeter) Set(int64)                             {}
func (m *noopMeter) AddWithLabel(int64, map[string]string) {}
func (m *noopMeter) SetWithLabel(int64, map[string]string) {}
