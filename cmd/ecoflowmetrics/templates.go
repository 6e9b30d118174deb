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

const indexTmpl string = `<html>
  <head>
    <title>EcoFlow Metrics Exporter</title>
    <style>
      .links, .build-info {
        display: flex;
      }
      h3, p {
        padding-right: 1em;
      }
    </style>
  </head>
  <body>
    <h1>EcoFlow Metrics Exporter</h1>
    <div class="build-info">
      <p><b>build date:</b> {{ .Date }}</p>
      <p><b>revision:</b> {{ .GitRevision }}</p>
      <p><b>version:</b> {{ .GitVersion }}</p>
    </div>
    <div class="links">
      <h3><a href="metrics">Metrics</a></h3>
      <h3><a href="info">Build Info</a></h3>
    </div>
  </body>
</html>
`
