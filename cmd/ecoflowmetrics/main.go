/*
 * Copyright 2025 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/comcast/ecoflowmetrics/api"
	"github.com/comcast/ecoflowmetrics/buildinfo"
	"github.com/comcast/ecoflowmetrics/common"
	"github.com/comcast/ecoflowmetrics/config"
	"github.com/comcast/ecoflowmetrics/devices"
	"github.com/comcast/ecoflowmetrics/logger"
	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/comcast/ecoflowmetrics/middleware/logging"
	"github.com/comcast/ecoflowmetrics/middleware/muxprom"
	ef_vault "github.com/comcast/ecoflowmetrics/vault"
	"github.com/comcast/ecoflowmetrics/worker"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"
)

const app = "ecoflowmetrics"

var (
	a                 = kingpin.New(app, "ecoflow portable power station exporter with all the bells and whistles")
	deviceSN          = a.Flag("device.sn", "serial number of the EcoFlow device to monitor").Default("").Envar("ECOFLOW_DEVICE_SN").String()
	deviceName        = a.Flag("device.name", "friendly device name override").Default("").Envar("ECOFLOW_DEVICE_NAME").String()
	productName       = a.Flag("device.product-name", "product name override for devices the API does not report").Default("").Envar("ECOFLOW_PRODUCT_NAME").String()
	accessKey         = a.Flag("ecoflow.access-key", "EcoFlow developer API access key").Default("").Envar("ECOFLOW_ACCESS_KEY").String()
	secretKey         = a.Flag("ecoflow.secret-key", "EcoFlow developer API secret key").Default("").Envar("ECOFLOW_SECRET_KEY").String()
	accountUser       = a.Flag("ecoflow.account-user", "EcoFlow app account email").Default("").Envar("ECOFLOW_ACCOUNT_USER").String()
	accountPassword   = a.Flag("ecoflow.account-password", "EcoFlow app account password").Default("").Envar("ECOFLOW_ACCOUNT_PASSWORD").String()
	apiType           = a.Flag("ecoflow.api-type", "MQTT backend flavor when account credentials are used").PlaceHolder("[mqtt|device]").Default("mqtt").Envar("ECOFLOW_API_TYPE").String()
	apiHost           = a.Flag("ecoflow.api-host", "EcoFlow API host override").Default("").Envar("ECOFLOW_API_HOST").String()
	collectInterval   = a.Flag("collector.interval", "seconds between metric collection cycles").Default("10").Envar("COLLECTING_INTERVAL").Int()
	retryTimeout      = a.Flag("collector.retry-timeout", "seconds to wait after a failed collection or connection attempt").Default("30").Envar("RETRY_TIMEOUT").Int()
	establishAttempts = a.Flag("collector.establish-attempts", "connection attempts before giving up at startup").Default("5").Envar("ESTABLISH_ATTEMPTS").Int()
	httpTimeout       = a.Flag("http.timeout", "EcoFlow API request timeout in seconds").Default("30").Envar("HTTP_TIMEOUT").Int()
	httpRetries       = a.Flag("http.retries", "EcoFlow API request retries").Default("3").Envar("HTTP_RETRIES").Int()
	httpBackoff       = a.Flag("http.backoff-factor", "EcoFlow API retry backoff factor in seconds").Default("0.5").Envar("HTTP_BACKOFF_FACTOR").Float64()
	deviceListTTL     = a.Flag("cache.device-list-ttl", "seconds the REST device list is cached").Default("60").Envar("DEVICE_LIST_CACHE_TTL").Int()
	mqttTimeout       = a.Flag("mqtt.timeout", "seconds of broker silence before the device counts as idle").Default("60").Envar("MQTT_TIMEOUT").Int()
	mqttKeepalive     = a.Flag("mqtt.keepalive", "MQTT keepalive in seconds").Default("60").Envar("MQTT_KEEPALIVE").Int()
	idleCheckInterval = a.Flag("mqtt.idle-check-interval", "seconds between broker idle checks").Default("30").Envar("IDLE_CHECK_INTERVAL").Int()
	maxReconnectDelay = a.Flag("mqtt.max-reconnect-delay", "cap in seconds for the reconnect backoff").Default("300").Envar("MAX_RECONNECT_DELAY").Int()
	quotaReqInterval  = a.Flag("mqtt.quota-request-interval", "seconds between quota requests on the device backend").Default("30").Envar("QUOTA_REQUEST_INTERVAL").Int()
	metricsPrefix     = a.Flag("metrics.prefix", "prefix for all exported device metrics").Default("ecoflow").Envar("METRICS_PREFIX").String()
	exporterPort      = a.Flag("port", "exporter port").Default("9090").Envar("EXPORTER_PORT").String()
	logLevel          = a.Flag("log.level", "log level verbosity").PlaceHolder("[debug|info|warn|error]").Default("info").Envar("LOG_LEVEL").String()
	logMethod         = a.Flag("log.method", "alternative method for logging in addition to stdout").PlaceHolder("[file|vector]").Default("").Envar("LOG_METHOD").String()
	logFilePath       = a.Flag("log.file-path", "directory path where log files are written if log-method is file").Default("/var/log/ecoflowmetrics").Envar("LOG_FILE_PATH").String()
	logFileMaxSize    = a.Flag("log.file-max-size", "max file size in megabytes if log-method is file").Default("256").Envar("LOG_FILE_MAX_SIZE").Int()
	logFileMaxBackups = a.Flag("log.file-max-backups", "max file backups before they are rotated if log-method is file").Default("1").Envar("LOG_FILE_MAX_BACKUPS").Int()
	logFileMaxAge     = a.Flag("log.file-max-age", "max file age in days before they are rotated if log-method is file").Default("1").Envar("LOG_FILE_MAX_AGE").Int()
	vectorEndpoint    = a.Flag("vector.endpoint", "vector endpoint to send structured json logs to").Default("http://0.0.0.0:4444").Envar("VECTOR_ENDPOINT").String()
	vaultAddr         = a.Flag("vault.addr", "Vault instance address to get EcoFlow credentials from").Default("https://vault.com").Envar("VAULT_ADDRESS").String()
	vaultRoleId       = a.Flag("vault.role-id", "Vault Role ID for AppRole").Default("").Envar("VAULT_ROLE_ID").String()
	vaultSecretId     = a.Flag("vault.secret-id", "Vault Secret ID for AppRole").Default("").Envar("VAULT_SECRET_ID").String()
	credProfile       = a.Flag("credentials.profile", "name of the credential profile to resolve from vault").Default("").Envar("CREDENTIALS_PROFILE").String()
	_                 = common.CredentialProf(a.Flag("credentials.profiles",
		`profile(s) with all necessary parameters to obtain EcoFlow credentials from the secrets backend, i.e.
  --credentials.profiles="
    profiles:
      - name: profile1
        mountPath: "kv2"
        path: "path/to/secret"
        userField: "user"
        passwordField: "password"
      ...
  "
--credentials.profiles='{"profiles":[{"name":"profile1","mountPath":"kv2","path":"path/to/secret","accessKeyField":"accessKey","secretKeyField":"secretKey"},...]}'`))

	log *zap.Logger

	vault *ef_vault.Vault
)

var wg = sync.WaitGroup{}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doneRenew := make(chan bool, 1)
	tokenLifecycle := make(chan bool, 1)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	a.HelpFlag.Short('h')

	_, err = a.Parse(os.Args[1:])
	if err != nil {
		panic(fmt.Errorf("error parsing argument flags - %s", err.Error()))
	}

	// validate logFilePath exists and is a directory
	if *logMethod == "file" {
		fd, err := os.Stat(*logFilePath)
		if os.IsNotExist(err) {
			panic(err)
		}
		if !fd.IsDir() {
			panic(fmt.Errorf("%s is not a directory", *logFilePath))
		}
	}

	c := &config.Config{
		DeviceSN:             *deviceSN,
		DeviceName:           *deviceName,
		ProductName:          *productName,
		AccessKey:            *accessKey,
		SecretKey:            *secretKey,
		AccountUser:          *accountUser,
		AccountPassword:      *accountPassword,
		APIType:              *apiType,
		APIHost:              *apiHost,
		CollectingInterval:   time.Duration(*collectInterval) * time.Second,
		RetryTimeout:         time.Duration(*retryTimeout) * time.Second,
		EstablishAttempts:    *establishAttempts,
		HTTPTimeout:          time.Duration(*httpTimeout) * time.Second,
		HTTPRetries:          *httpRetries,
		HTTPBackoffFactor:    *httpBackoff,
		DeviceListCacheTTL:   time.Duration(*deviceListTTL) * time.Second,
		MQTTTimeout:          time.Duration(*mqttTimeout) * time.Second,
		MQTTKeepalive:        time.Duration(*mqttKeepalive) * time.Second,
		IdleCheckInterval:    time.Duration(*idleCheckInterval) * time.Second,
		MaxReconnectDelay:    time.Duration(*maxReconnectDelay) * time.Second,
		QuotaRequestInterval: time.Duration(*quotaReqInterval) * time.Second,
		MetricsPrefix:        *metricsPrefix,
	}

	config.NewConfig(c)

	// init logger config
	logConfig := logger.LoggerConfig{
		LogLevel:  *logLevel,
		LogMethod: *logMethod,
		LogFile: logger.LogFile{
			Path:       *logFilePath,
			MaxSize:    *logFileMaxSize,
			MaxBackups: *logFileMaxBackups,
			MaxAge:     *logFileMaxAge,
		},
		VectorEndpoint: *vectorEndpoint,
	}

	err = logger.Initialize(app, hostname, logConfig)
	if err != nil {
		panic(fmt.Errorf("error initializing logger - log_method=%s vector_endpoint=%s log_file_path=%s - err=%s",
			*logMethod, *vectorEndpoint, *logFilePath, err.Error()))
	}

	log = zap.L()
	defer logger.Flush()

	// configure vault client if vaultRoleId & vaultSecretId are set
	if *vaultRoleId != "" && *vaultSecretId != "" {
		var err error
		vault, err = ef_vault.NewVaultAppRoleClient(
			ctx,
			ef_vault.Parameters{
				Address:         *vaultAddr,
				ApproleRoleID:   *vaultRoleId,
				ApproleSecretID: *vaultSecretId,
			},
		)
		if err != nil {
			log.Error("failed initializing vault client", zap.Error(err),
				zap.String("vault_address", *vaultAddr),
				zap.String("vault_role_id", *vaultRoleId))
		} else {
			common.EcoflowCreds.Vault = vault

			// start go routine to continuously renew vault token
			wg.Add(1)
			go vault.RenewToken(ctx, doneRenew, tokenLifecycle, &wg)
		}
	}

	opts := api.Options{
		DeviceSN:             c.DeviceSN,
		DeviceName:           c.DeviceName,
		APIHost:              c.APIHost,
		AccessKey:            c.AccessKey,
		SecretKey:            c.SecretKey,
		AccountUser:          c.AccountUser,
		AccountPassword:      c.AccountPassword,
		APIType:              c.APIType,
		HTTPTimeout:          c.HTTPTimeout,
		HTTPRetries:          c.HTTPRetries,
		HTTPBackoffFactor:    c.HTTPBackoffFactor,
		DeviceListCacheTTL:   c.DeviceListCacheTTL,
		MQTTTimeout:          c.MQTTTimeout,
		MQTTKeepalive:        c.MQTTKeepalive,
		IdleCheckInterval:    c.IdleCheckInterval,
		MaxReconnectDelay:    c.MaxReconnectDelay,
		QuotaRequestInterval: c.QuotaRequestInterval,
	}

	// resolve credentials from vault when a profile is configured
	if *credProfile != "" && vault != nil {
		cred, err := common.EcoflowCreds.GetCredentials(ctx, *credProfile)
		if err != nil {
			log.Error("failed resolving EcoFlow credentials from vault", zap.Error(err),
				zap.String("profile", *credProfile))
			os.Exit(1)
		}
		opts.AccessKey = cred.AccessKey
		opts.SecretKey = cred.SecretKey
		opts.AccountUser = cred.User
		opts.AccountPassword = cred.Password
	}

	if opts.DeviceSN == "" {
		log.Error("ECOFLOW_DEVICE_SN must be set")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	an := metrics.NewAnalytics(reg, c.MetricsPrefix)
	pool := metrics.NewPool(reg, c.MetricsPrefix)

	client, err := api.NewClient(opts, an)
	if err != nil {
		log.Error("failed creating EcoFlow API client", zap.Error(err))
		os.Exit(1)
	}

	if err := establish(ctx, client, c.EstablishAttempts, c.RetryTimeout); err != nil {
		log.Error("failed to establish connection to EcoFlow API", zap.Error(err))
		os.Exit(1)
	}

	id, err := resolveIdentity(ctx, client, c.DeviceSN, c.ProductName)
	if err != nil {
		log.Error("failed resolving device identity", zap.Error(err))
		os.Exit(1)
	}
	log.Info("monitoring device",
		zap.String("device", id.SN),
		zap.String("device_name", id.Name),
		zap.String("product_name", id.Product),
		zap.String("device_general_key", id.GeneralKey))

	w := worker.New(client, id, pool, an, c.CollectingInterval, c.RetryTimeout)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(buildinfo.Info)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	tmplIndex := template.Must(template.New("index").Parse(indexTmpl))
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		err := tmplIndex.Execute(w, buildinfo.Info)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("GET /verbosity", logger.Verbosity)
	mux.HandleFunc("PUT /verbosity", logger.SetVerbosity)

	instrumentation := muxprom.NewInstrumentation(reg)
	wrappedmux := logging.LoggingHandler(instrumentation.Middleware(mux))

	srv := &http.Server{
		Addr:    ":" + *exporterPort,
		Handler: wrappedmux,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	listener, err := net.Listen("tcp4", ":"+*exporterPort)
	if err != nil {
		log.Error("starting "+app+" service failed", zap.Error(err))
		signals <- syscall.SIGTERM
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.Error("http server received an error", zap.Error(err))
				signals <- syscall.SIGTERM
			}
		}()

		log.Info("started " + app + " service")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s := <-signals
		log.Info(s.String() + " signal caught, stopping app")
		cancel()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("http server shutdown failed", zap.Error(err))
		}

		client.Disconnect()

		if vault != nil && vault.IsLoggedIn() {
			// send signal to stop token watcher if we were able to successfully login
			tokenLifecycle <- true
		}
		doneRenew <- true
	}()

	wg.Wait()
}

// establish connects the client, retrying a bounded number of times before
// giving up.
func establish(ctx context.Context, client api.Client, attempts int, retryTimeout time.Duration) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = client.Connect(ctx); err == nil {
			return nil
		}
		log.Error("connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < attempts {
			log.Info("retrying connection", zap.Duration("retry_in", retryTimeout))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryTimeout):
			}
		}
	}
	return err
}

// resolveIdentity builds the label identity for the configured device. A
// configured product name wins over the API-reported one, which wins over
// the compiled-in catalog.
func resolveIdentity(ctx context.Context, client api.Client, sn, product string) (worker.Identity, error) {
	id := worker.Identity{SN: sn}

	device, err := client.GetDevice(ctx, sn)
	if err != nil {
		return id, err
	}
	if device == nil {
		return id, fmt.Errorf("device with SN %s not found", sn)
	}

	id.Name = devices.BuildDeviceName(sn, device.Name)
	id.Product = product
	if id.Product == "" {
		id.Product = device.ProductName
	}
	if id.Product == "" {
		id.Product = devices.GetProductName(sn)
	}
	id.GeneralKey = devices.GetDeviceGeneralKey(sn)
	return id, nil
}
