package core

import (
	"fmt"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Conf is the global application configuration, loaded once on start-up.
var Conf *Config

type (
	ServerConfig struct {
		Host               string
		Port               string
		JWTExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          string
		DisableTLS    bool
	}

	// DarajaConfig configures the STK-push payment gateway collaborator.
	DarajaConfig struct {
		BaseURL        string
		ConsumerKey    string
		ConsumerSecret string
		ShortCode      string
		Passkey        string
		Timeout        time.Duration
	}

	Config struct {
		Env      string // DEV (default), TEST, QA, PROD
		Debug    bool
		TestMode bool
		AppName  string
		Build    string

		SecretKey          []byte
		FrontendBaseURL    string
		DefaultFromName    string
		DefaultFromAddress string
		SendgridApiKey     string
		RollbarToken       string

		// PlatformAdminEmail identifies the only caller allowed on
		// platform-scoped operations (tenant disable/delete, migrations).
		PlatformAdminEmail string

		// ActivationCodeTTL bounds how long a tenant activation code stays valid.
		ActivationCodeTTL time.Duration
		// TrialPeriod is granted to every new tenant on registration.
		TrialPeriod time.Duration

		Server   ServerConfig
		Database DatabaseConfig
		Daraja   DarajaConfig
	}
)

func (c ServerConfig) Address() string { return c.Host + ":" + c.Port }

func (c DatabaseConfig) Address() string { return c.Host + ":" + c.Port }

func (c Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.DefaultFromName, Address: c.DefaultFromAddress}
}

func (c Config) IsProd() bool { return c.Env == "PROD" }

// NewConfig loads the configuration from the environment; a config/.env.<env>
// file is loaded first if it exists.
func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "ShuleTrack")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "w3lc0me-to-shuletrack-#change-me-in-prod!")
	v.SetDefault("frontendBaseURL", "http://localhost:5201")
	v.SetDefault("defaultFromName", "ShuleTrack")
	v.SetDefault("defaultFromAddress", "noreply@localhost")
	v.SetDefault("platformAdminEmail", "")
	v.SetDefault("activationCodeTTL", 10*time.Minute)
	v.SetDefault("trialPeriod", 7*24*time.Hour)

	v.SetDefault("serverHost", "")
	v.SetDefault("serverPort", "8000")
	v.SetDefault("jwtExpirationDelta", 4*time.Hour)

	v.SetDefault("databaseEngine", "postgres")
	v.SetDefault("databaseName", "shuletrack")
	v.SetDefault("databaseUser", "")
	v.SetDefault("databasePassword", "")
	v.SetDefault("databaseAdminUser", "")
	v.SetDefault("databaseAdminPassword", "")
	v.SetDefault("databaseHost", "localhost")
	v.SetDefault("databasePort", "5432")
	v.SetDefault("databaseDisableTLS", true)

	v.SetDefault("darajaBaseURL", "")
	v.SetDefault("darajaConsumerKey", "")
	v.SetDefault("darajaConsumerSecret", "")
	v.SetDefault("darajaShortCode", "")
	v.SetDefault("darajaPasskey", "")
	v.SetDefault("darajaTimeout", 15*time.Second)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err = godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Env:      env,
		Debug:    v.GetBool("debug"),
		TestMode: env == "TEST",
		AppName:  v.GetString("appName"),
		Build:    v.GetString("build"),

		SecretKey:          []byte(v.GetString("secretKey")),
		FrontendBaseURL:    v.GetString("frontendBaseURL"),
		DefaultFromName:    v.GetString("defaultFromName"),
		DefaultFromAddress: v.GetString("defaultFromAddress"),
		SendgridApiKey:     v.GetString("sendgridApiKey"),
		RollbarToken:       v.GetString("rollbarToken"),

		PlatformAdminEmail: CleanString(v.GetString("platformAdminEmail"), true /* lower */),

		ActivationCodeTTL: v.GetDuration("activationCodeTTL"),
		TrialPeriod:       v.GetDuration("trialPeriod"),

		Server: ServerConfig{
			Host:               v.GetString("serverHost"),
			Port:               v.GetString("serverPort"),
			JWTExpirationDelta: v.GetDuration("jwtExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("databaseEngine"),
			Name:          v.GetString("databaseName"),
			User:          v.GetString("databaseUser"),
			Password:      v.GetString("databasePassword"),
			AdminUser:     v.GetString("databaseAdminUser"),
			AdminPassword: v.GetString("databaseAdminPassword"),
			Host:          v.GetString("databaseHost"),
			Port:          v.GetString("databasePort"),
			DisableTLS:    v.GetBool("databaseDisableTLS"),
		},
		Daraja: DarajaConfig{
			BaseURL:        v.GetString("darajaBaseURL"),
			ConsumerKey:    v.GetString("darajaConsumerKey"),
			ConsumerSecret: v.GetString("darajaConsumerSecret"),
			ShortCode:      v.GetString("darajaShortCode"),
			Passkey:        v.GetString("darajaPasskey"),
			Timeout:        v.GetDuration("darajaTimeout"),
		},
	}

	if conf.IsProd() && conf.PlatformAdminEmail == "" {
		log.Fatal(fmt.Sprintf("config: %s_PLATFORMADMINEMAIL must be set in PROD", env))
	}
	return conf
}
