// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package call_routers

import (
	"github.com/gin-gonic/gin"

	callApi "github.com/rapidaai/peercall/api/call-api/api/call"
	"github.com/rapidaai/peercall/api/call-api/config"
	internal_calllog "github.com/rapidaai/peercall/api/call-api/internal/calllog"
	"github.com/rapidaai/peercall/pkg/commons"
)

func CallApiRoute(
	Cfg *config.AppConfig,
	Engine *gin.Engine,
	Logger commons.Logger,
	Controller callApi.CallController,
	History internal_calllog.Store,
) {
	Logger.Info("CallApiRoute added to engine.")
	apiv1 := Engine.Group("/v1/call")
	cApi := callApi.NewCallApi(Logger, Controller, History)
	{
		apiv1.GET("", cApi.GetCall)
		apiv1.GET("/events", cApi.Events)
		apiv1.GET("/history", cApi.GetHistory)
		apiv1.POST("/accept", cApi.AcceptCall)
		apiv1.POST("/reject", cApi.RejectCall)
		apiv1.POST("/end", cApi.EndCall)
		apiv1.POST("/recording/toggle", cApi.ToggleRecording)
		apiv1.POST("/:peerId", cApi.CallUser)
	}
}
