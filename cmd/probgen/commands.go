package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/probgenlabs/probgen/internal/accountkit"
	"github.com/probgenlabs/probgen/internal/apiclient"
	"github.com/probgenlabs/probgen/internal/history"
	"github.com/probgenlabs/probgen/internal/notices"
	"github.com/probgenlabs/probgen/internal/problems"
	"github.com/probgenlabs/probgen/internal/web"
)

// withApplication builds the client stack for one command invocation.
func withApplication(command *cobra.Command, run func(ctx context.Context, app *application) error) error {
	appConfig, configErr := appConfigFrom(command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, buildErr := buildApplication(ctx, appConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.Close()

	if runErr := run(ctx, app); runErr != nil {
		fmt.Fprintln(command.ErrOrStderr(), userFacingMessage(runErr))
		return runErr
	}
	return nil
}

// userFacingMessage keeps backend text verbatim and hides transport noise;
// local validation errors are already written for people.
func userFacingMessage(err error) string {
	var apiError *apiclient.APIError
	if errors.As(err, &apiError) {
		return apiclient.UserMessage(err)
	}
	var transportError *apiclient.TransportError
	if errors.As(err, &transportError) {
		return apiclient.FallbackErrorMessage
	}
	return err.Error()
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password, or through Kakao",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				useKakao, _ := command.Flags().GetBool("kakao")
				if useKakao {
					return runKakaoLogin(ctx, command, app)
				}
				email, _ := command.Flags().GetString("email")
				password, _ := command.Flags().GetString("password")
				outcome, loginErr := app.gateway.Login(ctx, accountkit.LoginRequest{Email: email, Password: password})
				if loginErr != nil {
					return loginErr
				}
				fmt.Fprintf(command.OutOrStdout(), "%s (user %s)\n", outcome.Message, app.controller.UserID())
				return nil
			})
		},
	}
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password")
	loginCmd.Flags().Bool("kakao", false, "Sign in through Kakao instead of email/password")
	loginCmd.Flags().Duration("kakao_timeout", 3*time.Minute, "How long to wait for the Kakao redirect")
	return loginCmd
}

func runKakaoLogin(ctx context.Context, command *cobra.Command, app *application) error {
	appConfig, configErr := appConfigFrom(command)
	if configErr != nil {
		return configErr
	}
	callbackServer, serverErr := web.NewCallbackServer(appConfig.CallbackAddr, app.logger)
	if serverErr != nil {
		return serverErr
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = callbackServer.Close(shutdownCtx)
	}()

	authorizeURL := appConfig.APIBaseURL + "/oauth2/authorization/kakao?redirect_uri=" + url.QueryEscape(callbackServer.RedirectURL())
	fmt.Fprintf(command.OutOrStdout(), "브라우저에서 열어 주세요: %s\n", authorizeURL)

	waitTimeout, _ := command.Flags().GetDuration("kakao_timeout")
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	result, waitErr := callbackServer.Wait(waitCtx)
	if waitErr != nil {
		return waitErr
	}
	if adoptErr := app.gateway.AdoptOAuthTokens(ctx, result.AccessToken, result.RefreshToken); adoptErr != nil {
		return adoptErr
	}
	fmt.Fprintf(command.OutOrStdout(), "로그인되었습니다 (user %s)\n", app.controller.UserID())
	return nil
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				outcome, logoutErr := app.gateway.Logout(ctx)
				if logoutErr != nil {
					fmt.Fprintln(command.OutOrStdout(), "로컬 세션을 정리했습니다.")
					return logoutErr
				}
				fmt.Fprintln(command.OutOrStdout(), outcome.Message)
				return nil
			})
		},
	}
}

func newRegisterCommand() *cobra.Command {
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				request := accountkit.RegisterRequest{}
				request.Email, _ = command.Flags().GetString("email")
				request.Password, _ = command.Flags().GetString("password")
				request.Nickname, _ = command.Flags().GetString("nickname")
				request.University, _ = command.Flags().GetString("university")
				request.Major, _ = command.Flags().GetString("major")
				outcome, registerErr := app.gateway.Register(ctx, request)
				if registerErr != nil {
					return registerErr
				}
				fmt.Fprintln(command.OutOrStdout(), outcome.Message)
				return nil
			})
		},
	}
	registerCmd.Flags().String("email", "", "Account email")
	registerCmd.Flags().String("password", "", "Account password")
	registerCmd.Flags().String("nickname", "", "Display name")
	registerCmd.Flags().String("university", "", "University (optional)")
	registerCmd.Flags().String("major", "", "Major (optional)")
	return registerCmd
}

func newVerifyEmailCommand() *cobra.Command {
	verifyCmd := &cobra.Command{
		Use:   "verify-email <email>",
		Short: "Send a verification code, or confirm one with --code",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				email := arguments[0]
				code, _ := command.Flags().GetString("code")
				if code == "" {
					outcome, sendErr := app.gateway.SendVerificationEmail(ctx, email)
					if sendErr != nil {
						return sendErr
					}
					fmt.Fprintln(command.OutOrStdout(), outcome.Message)
					return nil
				}
				outcome, verifyErr := app.gateway.VerifyEmail(ctx, accountkit.VerifyEmailRequest{Email: email, Code: code})
				if verifyErr != nil {
					return verifyErr
				}
				fmt.Fprintln(command.OutOrStdout(), outcome.Message)
				return nil
			})
		},
	}
	verifyCmd.Flags().String("code", "", "Verification code from the email")
	return verifyCmd
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session and profile",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				out := command.OutOrStdout()
				fmt.Fprintf(out, "state: %s\n", app.controller.State())
				profile, loaded := app.controller.CurrentUser()
				if !loaded {
					fmt.Fprintln(out, "로그인되어 있지 않습니다.")
					return nil
				}
				fmt.Fprintf(out, "user: %s\n", profile.UserID)
				fmt.Fprintf(out, "email: %s\n", profile.Email)
				fmt.Fprintf(out, "nickname: %s\n", profile.Nickname)
				if profile.University != "" {
					fmt.Fprintf(out, "university: %s\n", profile.University)
				}
				if profile.Major != "" {
					fmt.Fprintf(out, "major: %s\n", profile.Major)
				}
				fmt.Fprintf(out, "free generations left: %d\n", profile.FreeCount)
				return nil
			})
		},
	}
}

func newAccountCommand() *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Update or delete the signed-in account",
	}

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Edit profile fields",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				request := accountkit.UpdateProfileRequest{}
				request.Nickname, _ = command.Flags().GetString("nickname")
				request.University, _ = command.Flags().GetString("university")
				request.Major, _ = command.Flags().GetString("major")
				outcome, updateErr := app.gateway.UpdateProfile(ctx, request)
				if updateErr != nil {
					return updateErr
				}
				fmt.Fprintln(command.OutOrStdout(), outcome.Message)
				return nil
			})
		},
	}
	updateCmd.Flags().String("nickname", "", "New display name")
	updateCmd.Flags().String("university", "", "New university")
	updateCmd.Flags().String("major", "", "New major")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the account permanently",
		RunE: func(command *cobra.Command, arguments []string) error {
			confirmed, _ := command.Flags().GetBool("yes")
			if !confirmed {
				return fmt.Errorf("account.delete: pass --yes to confirm permanent deletion")
			}
			return withApplication(command, func(ctx context.Context, app *application) error {
				outcome, deleteErr := app.gateway.DeleteAccount(ctx)
				if deleteErr != nil {
					return deleteErr
				}
				fmt.Fprintln(command.OutOrStdout(), outcome.Message)
				return nil
			})
		},
	}
	deleteCmd.Flags().Bool("yes", false, "Confirm permanent account deletion")

	accountCmd.AddCommand(updateCmd, deleteCmd)
	return accountCmd
}

func newNoticeCommand() *cobra.Command {
	noticeCmd := &cobra.Command{
		Use:   "notice",
		Short: "Read and manage announcements",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List announcements",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				listed, listErr := app.notices.List(ctx)
				if listErr != nil {
					return listErr
				}
				for _, notice := range listed {
					fmt.Fprintf(command.OutOrStdout(), "%d\t%s\t%s\n", notice.NoticeID, notice.CreatedAt, notice.Title)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one announcement",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				noticeID, parseErr := strconv.ParseInt(arguments[0], 10, 64)
				if parseErr != nil {
					return fmt.Errorf("notice.show: %w", parseErr)
				}
				notice, getErr := app.notices.Get(ctx, noticeID)
				if getErr != nil {
					return getErr
				}
				fmt.Fprintf(command.OutOrStdout(), "# %s\n\n%s\n", notice.Title, notice.Content)
				return nil
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Publish an announcement",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				draft := notices.Draft{}
				draft.Title, _ = command.Flags().GetString("title")
				draft.Content, _ = command.Flags().GetString("content")
				notice, createErr := app.notices.Create(ctx, draft)
				if createErr != nil {
					return createErr
				}
				fmt.Fprintf(command.OutOrStdout(), "created notice %d\n", notice.NoticeID)
				return nil
			})
		},
	}
	createCmd.Flags().String("title", "", "Notice title")
	createCmd.Flags().String("content", "", "Notice body")

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an announcement",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				noticeID, parseErr := strconv.ParseInt(arguments[0], 10, 64)
				if parseErr != nil {
					return fmt.Errorf("notice.update: %w", parseErr)
				}
				draft := notices.Draft{}
				draft.Title, _ = command.Flags().GetString("title")
				draft.Content, _ = command.Flags().GetString("content")
				notice, updateErr := app.notices.Update(ctx, noticeID, draft)
				if updateErr != nil {
					return updateErr
				}
				fmt.Fprintf(command.OutOrStdout(), "updated notice %d\n", notice.NoticeID)
				return nil
			})
		},
	}
	updateCmd.Flags().String("title", "", "Notice title")
	updateCmd.Flags().String("content", "", "Notice body")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an announcement",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				noticeID, parseErr := strconv.ParseInt(arguments[0], 10, 64)
				if parseErr != nil {
					return fmt.Errorf("notice.delete: %w", parseErr)
				}
				return app.notices.Delete(ctx, noticeID)
			})
		},
	}

	noticeCmd.AddCommand(listCmd, showCmd, createCmd, updateCmd, deleteCmd)
	return noticeCmd
}

func newGenerateCommand() *cobra.Command {
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a problem set from uploaded material",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				conceptPaths, _ := command.Flags().GetStringSlice("concept")
				formatPaths, _ := command.Flags().GetStringSlice("format")
				result, generateErr := app.problems.Generate(ctx, problems.GenerateRequest{
					ConceptFilePaths: conceptPaths,
					FormatFilePaths:  formatPaths,
				})
				if generateErr != nil {
					return generateErr
				}

				out := command.OutOrStdout()
				fmt.Fprintf(out, "generated %d problems (download key %s)\n", result.ProblemCount, result.DownloadKey)
				for _, problem := range result.Problems {
					fmt.Fprintf(out, "\n%d. %s\n", problem.Number, problem.Content)
				}

				historyStore, historyErr := app.openHistory()
				if historyErr != nil {
					app.logger.Warn("history unavailable, generation not recorded", zap.Error(historyErr))
					return nil
				}
				defer func() { _ = historyStore.Close() }()
				recordID, saveErr := historyStore.Save(app.controller.UserID(), result)
				if saveErr != nil {
					app.logger.Warn("history save failed", zap.Error(saveErr))
					return nil
				}
				fmt.Fprintf(out, "\nsaved to history as %s\n", recordID)
				return nil
			})
		},
	}
	generateCmd.Flags().StringSlice("concept", nil, "Concept PDF files to generate from")
	generateCmd.Flags().StringSlice("format", nil, "Optional style sample files (.pdf/.ppt/.pptx)")
	return generateCmd
}

func newDownloadCommand() *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:   "download <key>",
		Short: "Download the rendered answer sheet for a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				outputPath, _ := command.Flags().GetString("out")
				if outputPath == "" {
					outputPath = arguments[0] + ".pdf"
				}
				sink, createErr := os.Create(outputPath)
				if createErr != nil {
					return fmt.Errorf("download.create: %w", createErr)
				}
				defer func() { _ = sink.Close() }()
				if downloadErr := app.problems.Download(ctx, arguments[0], sink); downloadErr != nil {
					return downloadErr
				}
				fmt.Fprintf(command.OutOrStdout(), "saved %s\n", outputPath)
				return nil
			})
		},
	}
	downloadCmd.Flags().String("out", "", "Output file path (defaults to <key>.pdf)")
	return downloadCmd
}

func newHistoryCommand() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Browse locally recorded generations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded generations, newest first",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				historyStore, historyErr := app.openHistory()
				if historyErr != nil {
					return historyErr
				}
				defer func() { _ = historyStore.Close() }()
				records, listErr := historyStore.List(app.controller.UserID())
				if listErr != nil {
					return listErr
				}
				for _, record := range records {
					fmt.Fprintf(command.OutOrStdout(), "%s\t%s\t%d problems\n",
						record.ID, record.CreatedAt.Format(time.RFC3339), len(record.Problems))
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a recorded generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				historyStore, historyErr := app.openHistory()
				if historyErr != nil {
					return historyErr
				}
				defer func() { _ = historyStore.Close() }()
				record, getErr := historyStore.Get(arguments[0])
				if getErr != nil {
					return getErr
				}
				out := command.OutOrStdout()
				fmt.Fprintf(out, "%s (%s, download key %s)\n", record.ID, record.CreatedAt.Format(time.RFC3339), record.DownloadKey)
				for _, problem := range record.Problems {
					fmt.Fprintf(out, "\n%d. %s\n", problem.Number, problem.Content)
				}
				return nil
			})
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <record-id>",
		Short: "Render a recorded generation as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				historyStore, historyErr := app.openHistory()
				if historyErr != nil {
					return historyErr
				}
				defer func() { _ = historyStore.Close() }()
				record, getErr := historyStore.Get(arguments[0])
				if getErr != nil {
					return getErr
				}
				fmt.Fprint(command.OutOrStdout(), history.ExportMarkdown(record))
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Remove a recorded generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withApplication(command, func(ctx context.Context, app *application) error {
				historyStore, historyErr := app.openHistory()
				if historyErr != nil {
					return historyErr
				}
				defer func() { _ = historyStore.Close() }()
				return historyStore.Delete(arguments[0])
			})
		},
	}

	historyCmd.AddCommand(listCmd, showCmd, exportCmd, deleteCmd)
	return historyCmd
}
