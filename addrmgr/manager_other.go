// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !linux

package addrmgr

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/metal-stack/dhcp4client/dhcpclient"
)

// Manager is only implemented on Linux.
type Manager struct{}

// New fails on this platform.
func New(name string, _ *zap.SugaredLogger) (*Manager, error) {
	return nil, fmt.Errorf("managing addresses of %s is not supported on %s", name, runtime.GOOS)
}

func (*Manager) AddAddress(context.Context, dhcpclient.AddressParameters) (dhcpclient.AddressHandle, error) {
	return nil, fmt.Errorf("not supported on %s", runtime.GOOS)
}
