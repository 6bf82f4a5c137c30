package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	favoritesKind          string
	favoritesSite          string
	favoritesArtistFolders bool
	favoritesListOnly      bool
)

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "Download the artists or posts favourited by your account",
	Long: `Lists the favourites of the logged-in account (cookies are required) and
downloads each one in turn with the download settings from the config file.`,
	RunE: runFavorites,
}

func init() {
	rootCmd.AddCommand(favoritesCmd)
	favoritesCmd.Flags().StringVar(&favoritesKind, "kind", api.FavoriteArtist, "Favourites to fetch (artist, post)")
	favoritesCmd.Flags().StringVar(&favoritesSite, "site", "kemono", "Site to read favourites from (kemono, coomer)")
	favoritesCmd.Flags().BoolVar(&favoritesArtistFolders, "artist-folders", false, "Save each artist below a folder named after them")
	favoritesCmd.Flags().BoolVar(&favoritesListOnly, "list", false, "Only list the favourites")
}

func favoritesHost(site string) (string, error) {
	switch site {
	case "kemono":
		return api.KemonoHost, nil
	case "coomer":
		return api.CoomerHost, nil
	}
	return "", fmt.Errorf("unknown site %q (kemono, coomer)", site)
}

func runFavorites(cmd *cobra.Command, args []string) error {
	host, err := favoritesHost(favoritesSite)
	if err != nil {
		return err
	}
	base := "https://" + host

	cfg := globalConfig
	cfg.UseCookies = true
	client := clientForDomain(cfg, host)
	if !client.HasCookies() {
		fmt.Fprintln(os.Stderr, cookieHelp)
		return &exitError{code: exitCodeAuth, err: errors.New("favourites need the session cookie")}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	favs, err := client.Favorites(ctx, base, favoritesKind)
	if err != nil {
		if api.Classify(err) == api.ClassAuth {
			fmt.Fprintln(os.Stderr, cookieHelp)
			return &exitError{code: exitCodeAuth, err: err}
		}
		return fmt.Errorf("error fetching favourites: %w", err)
	}
	log.Infof("Found %d favourite %s(s)", len(favs), favoritesKind)

	if favoritesListOnly || len(favs) == 0 {
		printFavorites(favs)
		return nil
	}

	env, err := openRunEnv(cfg, false)
	if err != nil {
		return &exitError{code: exitCodeSetup, err: err}
	}
	defer env.Close()

	bus := events.NewBus(events.DefaultCapacity)
	progress := startProgress(bus, os.Stdout)
	defer func() {
		bus.Close()
		progress.Wait()
	}()

	var failed int
	for i, f := range favs {
		if ctx.Err() != nil {
			return &exitError{code: exitCodeCancelled, err: errors.New("favourites download cancelled")}
		}
		jobCfg := favoriteConfig(cfg, base, f)
		log.WithFields(log.Fields{"service": f.Service, "creator": f.CreatorID}).
			Infof("Favourite %d/%d: %s", i+1, len(favs), jobCfg.URL)

		sum, err := env.newScheduler(jobCfg, client, bus).Run(ctx)
		if err != nil {
			log.WithError(err).Errorf("Download of %s failed", jobCfg.URL)
			failed++
		}
		if sum.Code == models.ExitFailedAuth {
			return runResult(sum, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d favourites failed", failed, len(favs))
	}
	return nil
}

// favoriteConfig is the download config for one favourite.
func favoriteConfig(cfg models.Config, base string, f models.Favorite) models.Config {
	cfg.URL = api.FavoriteURL(base, f, favoritesKind)
	cfg.ArtistFolder = ""
	if favoritesArtistFolders {
		cfg.ArtistFolder = f.Name
		if cfg.ArtistFolder == "" {
			cfg.ArtistFolder = f.CreatorID
		}
	}
	return cfg
}

func printFavorites(favs []models.Favorite) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Service\tCreator\tName\tTitle\tID")
	for _, f := range favs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Service, f.CreatorID, f.Name, f.Title, f.ID)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing favourites table")
	}
}
