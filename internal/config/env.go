// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

// ApplyEnv overrides file values with the environment, mostly so secrets do
// not have to live in the configuration file.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, target *string) {
		value, err := env.GetAsString(key, false, *target)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get %s from env: %w", key, err))
			return
		}
		*target = value
	}
	integer := func(key string, target *int) {
		value, err := env.GetAsInt(key, false, *target)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get %s from env: %w", key, err))
			return
		}
		*target = value
	}

	str("LOGGING_LEVEL", &c.Logging.Level)

	str("POSTGRES_HOST", &c.Storage.PostgreSQL.Host)
	integer("POSTGRES_PORT", &c.Storage.PostgreSQL.Port)
	str("POSTGRES_USER", &c.Storage.PostgreSQL.User)
	str("POSTGRES_PASSWORD", &c.Storage.PostgreSQL.Password)
	str("POSTGRES_DATABASE", &c.Storage.PostgreSQL.Database)

	str("PKCS12_PASSWORD", &c.Transport.TLS.PKCS12Password)
	str("MQTT_PASSWORD", &c.Transport.MQTT.Password)

	str("REDIS_URI", &c.Cache.Redis.Address)
	str("REDIS_PASSWORD", &c.Cache.Redis.Password)

	return errors.Join(errs...)
}
